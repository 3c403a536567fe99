package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all backends are operational
	LevelNormal DegradationLevel = iota
	// LevelPartial - some backends are down, requests are served from local state
	LevelPartial
	// LevelSevere - most backends are down
	LevelSevere
	// LevelCritical - nothing but process-local state is left
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ServiceHealth represents the health status of a backend
type ServiceHealth struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time"`
	Message      string        `json:"message,omitempty"`
}

// DegradationStatus summarises backend health for the usage endpoint
type DegradationStatus struct {
	Level     string   `json:"level"`
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

// DegradationManager tracks the health of shared backends. A backend is
// marked unhealthy after UnhealthyThreshold consecutive failures and healthy
// again on the first success.
type DegradationManager struct {
	services map[string]*ServiceHealth
	mutex    sync.RWMutex
	logger   *logging.Logger

	unhealthyThreshold int
	degradationRules   map[string]DegradationLevel
}

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(unhealthyThreshold int) *DegradationManager {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 3
	}
	return &DegradationManager{
		services:           make(map[string]*ServiceHealth),
		logger:             logging.GetLogger(),
		unhealthyThreshold: unhealthyThreshold,
		degradationRules:   make(map[string]DegradationLevel),
	}
}

// RegisterService registers a backend with the level its loss implies
func (dm *DegradationManager) RegisterService(name string, degradationLevel DegradationLevel) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.services[name] = &ServiceHealth{
		Name:      name,
		Healthy:   true,
		LastCheck: time.Now(),
	}
	dm.degradationRules[name] = degradationLevel
}

// UpdateServiceHealth records the outcome of one call to a backend
func (dm *DegradationManager) UpdateServiceHealth(name string, healthy bool, responseTime time.Duration, message string) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	service, exists := dm.services[name]
	if !exists {
		dm.logger.Warn("Attempted to update health for unregistered backend", "backend", name)
		return
	}

	wasHealthy := service.Healthy
	service.LastCheck = time.Now()
	service.ResponseTime = responseTime
	service.Message = message

	if healthy {
		service.Healthy = true
		service.ErrorCount = 0
	} else {
		service.ErrorCount++
		if service.ErrorCount >= dm.unhealthyThreshold {
			service.Healthy = false
		}
	}

	if wasHealthy != service.Healthy {
		dm.logger.Warn("Backend health changed",
			"backend", name,
			"healthy", service.Healthy,
			"error_count", service.ErrorCount,
			"message", message,
		)
	}
}

// GetCurrentDegradationLevel returns the current degradation level
func (dm *DegradationManager) GetCurrentDegradationLevel() DegradationLevel {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	maxLevel := LevelNormal
	unhealthyServices := 0
	totalServices := len(dm.services)

	for name, service := range dm.services {
		if !service.Healthy {
			unhealthyServices++
			if level, exists := dm.degradationRules[name]; exists && level > maxLevel {
				maxLevel = level
			}
		}
	}

	if totalServices > 0 {
		unhealthyPercentage := float64(unhealthyServices) / float64(totalServices)
		switch {
		case unhealthyPercentage >= 0.75 && maxLevel < LevelCritical:
			maxLevel = LevelCritical
		case unhealthyPercentage >= 0.5 && maxLevel < LevelSevere:
			maxLevel = LevelSevere
		case unhealthyPercentage >= 0.25 && maxLevel < LevelPartial:
			maxLevel = LevelPartial
		}
	}

	return maxLevel
}

// GetServiceHealth returns a copy of the health status of a backend
func (dm *DegradationManager) GetServiceHealth(name string) (*ServiceHealth, bool) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	service, exists := dm.services[name]
	if !exists {
		return nil, false
	}
	copied := *service
	return &copied, true
}

// IsServiceHealthy checks if a specific backend is healthy
func (dm *DegradationManager) IsServiceHealthy(name string) bool {
	service, exists := dm.GetServiceHealth(name)
	return exists && service.Healthy
}

// GetUnhealthyServices returns the sorted names of unhealthy backends
func (dm *DegradationManager) GetUnhealthyServices() []string {
	return dm.filter(false)
}

// GetHealthyServices returns the sorted names of healthy backends
func (dm *DegradationManager) GetHealthyServices() []string {
	return dm.filter(true)
}

// Status returns the level and the healthy/unhealthy backend lists
func (dm *DegradationManager) Status() DegradationStatus {
	return DegradationStatus{
		Level:     dm.GetCurrentDegradationLevel().String(),
		Healthy:   dm.GetHealthyServices(),
		Unhealthy: dm.GetUnhealthyServices(),
	}
}

func (dm *DegradationManager) filter(healthy bool) []string {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	names := make([]string, 0, len(dm.services))
	for name, service := range dm.services {
		if service.Healthy == healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
