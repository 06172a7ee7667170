package server

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)

	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession, s.requireRefresh)
	s.echo.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)

	write := s.echo.Group("", s.requireAuth)
	write.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	write.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	write.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	write.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	write.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites)
	write.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	write.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)

	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getRecord", s.handleSyncGetRecord)
	s.echo.GET("/xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getHead", s.handleGetHead)
	s.echo.GET("/xrpc/com.atproto.sync.listRepos", s.handleListRepos)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
}
