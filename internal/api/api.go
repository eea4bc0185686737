package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cpp-cyber/classlab/internal/auth"
	"github.com/cpp-cyber/classlab/internal/class"
	"github.com/cpp-cyber/classlab/internal/console"
	"github.com/cpp-cyber/classlab/internal/deploy"
	"github.com/cpp-cyber/classlab/internal/ipresolver"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/shell"
	"github.com/cpp-cyber/classlab/internal/store"
	"github.com/cpp-cyber/classlab/internal/syncer"
)

// API bundles the services behind the HTTP surface. Handlers read from the
// store and delegate every mutation to a service.
type API struct {
	store    *store.Store
	registry *proxmox.Registry
	resolver *ipresolver.Resolver
	syncer   *syncer.Syncer
	deploy   *deploy.Service
	classes  *class.Service
	console  *console.Service
	auth     *auth.Service
	pool     *shell.Pool
}

func New(s *store.Store, registry *proxmox.Registry, resolver *ipresolver.Resolver, sync *syncer.Syncer, deploySvc *deploy.Service, classSvc *class.Service, consoleSvc *console.Service, authSvc *auth.Service, pool *shell.Pool) *API {
	return &API{
		store:    s,
		registry: registry,
		resolver: resolver,
		syncer:   sync,
		deploy:   deploySvc,
		classes:  classSvc,
		console:  consoleSvc,
		auth:     authSvc,
		pool:     pool,
	}
}

// RegisterRoutes wires every endpoint group onto the engine.
func (a *API) RegisterRoutes(r *gin.Engine) {
	public := r.Group("/api/v1")
	{
		public.POST("/login", a.loginHandler)
		public.GET("/health", a.healthHandler)
	}

	private := r.Group("/api/v1")
	private.Use(auth.AuthRequired)
	{
		private.POST("/logout", a.logoutHandler)
		private.GET("/me", a.meHandler)

		private.GET("/vms", a.listVMsHandler)
		private.POST("/vms/:cluster/:vmid/power/:action", a.powerHandler)
		private.GET("/vms/:cluster/:vmid/console", a.consoleHandler)

		private.GET("/classes", a.listClassesHandler)
		private.GET("/classes/:id", a.getClassHandler)
		private.POST("/classes/join", a.joinClassHandler)

		private.GET("/templates", a.listTemplatesHandler)
		private.GET("/isos", a.listISOsHandler)
	}

	teacher := r.Group("/api/v1")
	teacher.Use(auth.TeacherRequired())
	{
		teacher.POST("/classes", a.createClassHandler)
		teacher.PUT("/classes/:id", a.updateClassHandler)
		teacher.DELETE("/classes/:id", a.deleteClassHandler)

		teacher.POST("/classes/:id/token", a.mintTokenHandler)
		teacher.DELETE("/classes/:id/token", a.revokeTokenHandler)
		teacher.GET("/classes/:id/enrollments", a.listEnrollmentsHandler)

		teacher.POST("/classes/:id/deploy", a.deployHandler)
		teacher.POST("/classes/:id/vms/:vmid/reimage", a.reimageHandler)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(auth.AdminRequired())
	{
		admin.GET("/users", a.listUsersHandler)
		admin.POST("/users", a.createUserHandler)

		admin.GET("/clusters", a.listClustersHandler)
		admin.POST("/clusters", a.saveClusterHandler)
		admin.DELETE("/clusters/:id", a.deleteClusterHandler)

		admin.POST("/orphans/cleanup", a.cleanupOrphansHandler)
		admin.GET("/classes/:id/recovery", a.scanRecoveryHandler)
		admin.POST("/classes/:id/recovery", a.recoverHandler)

		admin.GET("/shell-pool", a.shellPoolHandler)
	}
}
