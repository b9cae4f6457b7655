package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func resetHealthChecker() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", true, "bootstrapped")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["raft"]
	require.True(t, comp.Healthy)
	require.Equal(t, "bootstrapped", comp.Message)
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "1.0.0"

	RegisterComponent("raft", true, "")
	RegisterComponent("jmap", true, "")

	health := GetHealth()
	require.Equal(t, "healthy", health.Status)
	require.Len(t, health.Components, 2)
	require.Equal(t, "1.0.0", health.Version)
}

func TestGetHealthOneUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("jmap", true, "")
	RegisterComponent("raft", false, "leader not elected")

	health := GetHealth()
	require.Equal(t, "unhealthy", health.Status)
	require.Equal(t, "unhealthy: leader not elected", health.Components["raft"])
}

func TestGetReadinessAllReady(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", true, "")
	RegisterComponent("jmap", true, "")

	readiness := GetReadiness()
	require.Equal(t, "ready", readiness.Status)
}

func TestGetReadinessMissingCriticalComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", true, "")
	// jmap not registered yet

	readiness := GetReadiness()
	require.Equal(t, "not_ready", readiness.Status)
	require.NotEmpty(t, readiness.Message)
}

func TestGetReadinessCriticalComponentUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", false, "leader not elected")
	RegisterComponent("jmap", true, "")

	readiness := GetReadiness()
	require.Equal(t, "not_ready", readiness.Status)
}

func TestHealthHandler(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "test"

	RegisterComponent("raft", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "test", health.Version)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", false, "leader not elected")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	require.Equal(t, "unhealthy", health.Status)
}

func TestReadyHandler(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("raft", true, "")
	RegisterComponent("jmap", true, "")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	require.Equal(t, "ready", readiness.Status)
}

func TestReadyHandlerNotReady(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("jmap", true, "")
	// raft not registered

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	require.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealthChecker()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, "alive", response["status"])
	require.NotEmpty(t, response["uptime"])
}

func TestUpdateComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("jmap", true, "ready")
	UpdateComponent("jmap", false, "coordinator panic")

	comp := healthChecker.components["jmap"]
	require.False(t, comp.Healthy)
	require.Equal(t, "coordinator panic", comp.Message)
}
