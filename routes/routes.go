package routes

import (
	controller "helpdesk/controllers"
	"helpdesk/middleware"
	"helpdesk/realtime"
	"helpdesk/services"
	"helpdesk/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

// Dependencies are the shared pieces the handlers are built from.
type Dependencies struct {
	DB             *gorm.DB
	Hub            *realtime.Hub
	Notifier       services.Notifier
	LoginLimit     int
	LimiterStorage fiber.Storage
	// RequestLog turns on fiber's access log for the API groups.
	RequestLog bool
}

type handlers struct {
	auth          *controller.AuthController
	users         *controller.UserController
	mailboxes     *controller.MailboxController
	conversations *controller.ConversationController
	customers     *controller.CustomerController
	tracking      *controller.TrackingController
	realtime      *controller.RealtimeController
}

func newHandlers(deps Dependencies) *handlers {
	if deps.Hub == nil {
		deps.Hub = realtime.NewHub(utils.Logger("realtime"))
	}
	userService := services.NewUserService(deps.DB, deps.Notifier, utils.Logger("users"))
	mailboxService := services.NewMailboxService(deps.DB, utils.Logger("mailboxes"))
	conversationService := services.NewConversationService(deps.DB, deps.Hub, utils.Logger("conversations"))

	return &handlers{
		auth:          controller.NewAuthController(userService, utils.Logger("auth")),
		users:         controller.NewUserController(userService),
		mailboxes:     controller.NewMailboxController(mailboxService, utils.Logger("mailboxes")),
		conversations: controller.NewConversationController(conversationService),
		customers:     controller.NewCustomerController(services.NewCustomerService(deps.DB)),
		tracking:      controller.NewTrackingController(conversationService, utils.Logger("tracking")),
		realtime:      controller.NewRealtimeController(deps.Hub, mailboxService, utils.Logger("realtime")),
	}
}

func requestLogger(enabled bool) fiber.Handler {
	if !enabled {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
}

func SetupAuthRoutes(app *fiber.App, deps Dependencies, h *handlers) {
	auth := app.Group("/auth", requestLogger(deps.RequestLog))

	limited := middleware.LoginRateLimiter(deps.LoginLimit, deps.LimiterStorage)
	auth.Post("/login", limited, h.auth.Login)
	auth.Post("/invite/accept", limited, h.auth.AcceptInvite)
	auth.Get("/me", middleware.Protected(deps.DB), h.auth.Me)

	// Open tracking is hit by mail clients, never signed in.
	app.Get("/track/open/:thread_id/:token", h.tracking.Open)
}

func SetupAPIRoutes(app *fiber.App, deps Dependencies, h *handlers) {
	api := app.Group("/api/v1", middleware.Protected(deps.DB), requestLogger(deps.RequestLog))

	users := api.Group("/users")
	users.Get("/", h.users.List)
	users.Post("/", h.users.Create)
	users.Get("/:id", h.users.Get)
	users.Put("/:id", h.users.Update)
	users.Get("/:id/permissions", h.users.Permissions)
	users.Put("/:id/permissions", h.users.UpdatePermissions)

	mailboxes := api.Group("/mailboxes")
	mailboxes.Get("/", h.mailboxes.List)
	mailboxes.Post("/", h.mailboxes.Create)
	mailboxes.Get("/:id", h.mailboxes.Get)
	mailboxes.Put("/:id", h.mailboxes.Update)
	mailboxes.Delete("/:id", h.mailboxes.Delete)
	mailboxes.Get("/:id/permissions", h.mailboxes.Permissions)
	mailboxes.Put("/:id/permissions", h.mailboxes.UpdatePermissions)
	mailboxes.Put("/:id/connection/:direction", h.mailboxes.UpdateConnection)
	mailboxes.Get("/:id/folders", h.mailboxes.View)
	mailboxes.Get("/:id/folders/:folder_id", h.mailboxes.View)

	conversations := api.Group("/conversations")
	conversations.Post("/", h.conversations.Create)
	conversations.Get("/:id", h.conversations.Get)
	conversations.Delete("/:id", h.conversations.Delete)
	conversations.Post("/:id/threads", h.conversations.AddThread)
	conversations.Put("/:id/status", h.conversations.ChangeStatus)
	conversations.Put("/:id/assignee", h.conversations.Assign)
	conversations.Put("/:id/star", h.conversations.Star)
	conversations.Post("/:id/restore", h.conversations.Restore)

	threads := api.Group("/threads")
	threads.Put("/:id", h.conversations.EditThread)
	threads.Post("/:id/publish", h.conversations.PublishThread)
	threads.Post("/:id/retry", h.conversations.RetryThread)

	customers := api.Group("/customers")
	customers.Get("/:id", h.customers.Get)
	customers.Put("/:id", h.customers.Update)

	app.Get("/ws/mailboxes/:id", middleware.Protected(deps.DB), h.realtime.Upgrade, websocket.New(h.realtime.Stream))
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	app.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := deps.DB.DB()
		if err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	h := newHandlers(deps)
	SetupAuthRoutes(app, deps, h)
	SetupAPIRoutes(app, deps, h)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
		})
	})
}

// NewApp builds the fiber app with the shared error handler and CORS.
func NewApp(corsOrigins []string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "helpdesk",
		ErrorHandler: controller.ErrorHandler,
	})
	app.Use(middleware.CORS(corsOrigins))
	return app
}
