package api

import (
	"errors"
	"os"
	"strings"
)

func (s *Server) registerRoutes() error {
	if s == nil || s.router == nil {
		return nil
	}

	api := s.router.Group("/api")
	apiKey := strings.TrimSpace(os.Getenv("GMEVAL_API_KEY"))
	if apiKey != "" {
		api.Use(apiKeyAuthMiddleware(apiKey))
	} else if strings.EqualFold(strings.TrimSpace(os.Getenv("GMEVAL_DISABLE_AUTH")), "true") {
		// Explicitly allow unauthenticated access.
	} else {
		return errors.New("api: missing auth configuration: set GMEVAL_API_KEY or set GMEVAL_DISABLE_AUTH=true")
	}

	api.GET("/health", s.handleHealth)

	api.POST("/agents", s.handleRegisterAgent)
	api.GET("/agents", s.handleListAgents)
	api.PATCH("/agents/:id", s.handleRenameAgent)
	api.DELETE("/agents/:id", s.handleDeleteAgent)

	api.POST("/agents/:id/versions", s.handleCreateVersion)
	api.GET("/agents/:id/versions", s.handleListVersions)
	api.GET("/versions/:id", s.handleGetVersion)
	api.PATCH("/versions/:id", s.handleUpdateVersion)

	api.POST("/scenarios", s.handleCreateScenario)
	api.POST("/scenarios/:id/binding", s.handleBindScenario)
	api.GET("/scenarios/:id/instructions", s.handleResolveInstructions)

	api.POST("/games", s.handleCreateGame)
	api.GET("/games/:id", s.handleGetGame)
	api.POST("/games/:id/messages", s.handleAppendMessage)
	api.GET("/games/:id/messages", s.handleListMessages)
	api.PATCH("/messages/:id/metadata", s.handleAttachMetadata)
	api.GET("/messages/:id/context", s.handleReadContext)
	api.POST("/games/:id/snapshots", s.handlePersistSnapshot)
	api.GET("/games/:id/snapshots", s.handleListSnapshots)
	api.GET("/games/:id/verify", s.handleVerifyChain)

	api.POST("/testcases", s.handleCaptureTestCase)
	api.GET("/testcases", s.handleListTestCases)
	api.DELETE("/testcases/:id", s.handleDeactivateTestCase)

	api.POST("/runs", s.handleExecuteRun)
	api.GET("/runs/:id", s.handleGetRun)
	api.POST("/batches", s.handleExecuteBatch)
	api.POST("/compare", s.handleCompareExecutions)

	api.POST("/runs/:id/score", s.handleScoreRun)
	api.POST("/messages/:id/score", s.handleScoreMessage)
	api.POST("/evaluators/register", s.handleRegisterEvaluators)
	api.GET("/evaluators", s.handleListEvaluators)
	api.POST("/metrics/relink", s.handleRelinkMetrics)
	api.GET("/metrics", s.handleListMetrics)
	api.GET("/metrics/stats", s.handleMetricStats)

	return nil
}
