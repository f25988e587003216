package handler

import (
	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
)

// Handlers 汇集了全部控制器。
type Handlers struct {
	Study    *StudyHandler
	Revision *RevisionHandler
	Search   *SearchHandler
	Job      *JobHandler
	Admin    *AdminHandler
	Auth     *AuthHandler
	User     *UserHandler
}

// RegisterRoutes 在 /api/v1 下注册全部路由。auth 中间件允许匿名调用，由权限计算决定能做什么。
func RegisterRoutes(r *gin.Engine, h Handlers, auth gin.HandlerFunc) {
	api := r.Group("/api/v1")
	api.Use(auth)
	{
		api.POST("/auth/token", h.Auth.IssueToken)
		api.GET("/users/me", h.User.GetProfile)
		api.GET("/jobs/:task_id", h.Job.Get)

		studies := api.Group("/studies")
		{
			studies.POST("", h.Study.Create)
			studies.GET("/:id", h.Study.Get)
			studies.GET("/:id/permissions", h.Study.Permissions)
			studies.POST("/:id/status/:target", h.Study.ChangeStatus)
			studies.GET("/:id/tasks", h.Study.ListTasks)

			studies.POST("/:id/revisions", h.Revision.Create)
			studies.GET("/:id/revisions", h.Revision.List)
			studies.GET("/:id/revisions/:n", h.Revision.Get)
			studies.PUT("/:id/revisions/:n", h.Revision.UpdateTask)
			studies.DELETE("/:id/revisions/:n", h.Revision.Delete)

			curator := studies.Group("")
			curator.Use(middleware.CuratorAuthMiddleware())
			{
				curator.POST("/:id/revisions/sync", h.Revision.Sync)
				curator.GET("/:id/revisions/:n/verify", h.Revision.Verify)
				curator.DELETE("/:id/tasks/:task_name", h.Study.DeleteTask)
				curator.POST("/:id/folders/maintain", h.Study.MaintainFolders)
				curator.GET("/:id/folders/plan", h.Study.PlanFolders)
				curator.POST("/:id/index", h.Search.Reindex)
				curator.DELETE("/:id/index", h.Search.DeleteIndex)
				curator.POST("/:id/archive", h.Study.Archive)
			}
		}

		admin := api.Group("/admin")
		{
			users := admin.Group("/users")
			users.Use(middleware.AdminAuthMiddleware())
			{
				users.POST("", h.Admin.CreateUser)
				users.GET("", h.Admin.ListUsers)
				users.PUT("/:user_id/status", h.Admin.SetStatus)
				users.PUT("/:user_id/role", h.Admin.SetRole)
				users.POST("/:user_id/token", h.Admin.IssueAPIToken)
			}

			// 运维接口对策展人开放
			ops := admin.Group("")
			ops.Use(middleware.CuratorAuthMiddleware())
			{
				ops.POST("/index/sync", h.Search.Sync)
				ops.POST("/index/reindex-all", h.Search.ReindexAll)
				ops.POST("/revisions/sweep", h.Job.Sweep)
				ops.GET("/workers", h.Job.Heartbeats)
			}
		}
	}
}
