package httpapi

import (
	"net/http"
	"strings"

	"gluco-circle/internal/models"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterReadingsRoutes 读数与统计路由
func (r *Router) RegisterReadingsRoutes(h *ReadingsHandler) {
	r.Handle("/api/v1/readings", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.Submit(w, req)
		case http.MethodGet:
			h.List(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.Handle("/api/v1/readings/stats", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Stats(w, req)
	})

	r.Handle("/api/v1/readings/export", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Export(w, req)
	})
}

// RegisterAlertsRoutes 报警路由
func (r *Router) RegisterAlertsRoutes(h *AlertsHandler) {
	r.Handle("/api/v1/alerts", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.List(w, req)
	})

	// alerts/{id} 与 alerts/{id}/{action}
	r.Handle("/api/v1/alerts/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/alerts/")
		parts := strings.Split(rest, "/")

		switch {
		case len(parts) == 1 && parts[0] != "":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Get(w, req, parts[0])
		case len(parts) == 2 && parts[1] == "acknowledge":
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Acknowledge(w, req, parts[0])
		case len(parts) == 2 && parts[1] == "resolve":
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Resolve(w, req, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// RegisterCGMRoutes CGM 连接路由
func (r *Router) RegisterCGMRoutes(h *CGMHandler) {
	r.Handle("/api/v1/cgm/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Status(w, req)
	})

	r.Handle("/api/v1/cgm/oauth/authorize", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.AuthorizeURL(w, req)
	})

	// cgm/{oauth|share}/{connect|sync|disconnect}
	r.Handle("/api/v1/cgm/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/cgm/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var connType models.ConnectionType
		switch parts[0] {
		case "oauth":
			connType = models.ConnectionOAuth
		case "share":
			connType = models.ConnectionShare
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		switch parts[1] {
		case "connect":
			h.Connect(w, req, connType)
		case "sync":
			h.Sync(w, req, connType)
		case "disconnect":
			h.Disconnect(w, req, connType)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// RegisterCircleRoutes 成员与设置路由
func (r *Router) RegisterCircleRoutes(h *CircleHandler) {
	r.Handle("/api/v1/circle", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Roster(w, req)
	})

	r.Handle("/api/v1/circle/invite", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Invite(w, req)
	})

	r.Handle("/api/v1/circle/redeem", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Redeem(w, req)
	})

	// circle/{memberId}/{approve|remove}
	r.Handle("/api/v1/circle/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/circle/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		switch parts[1] {
		case "approve":
			h.Approve(w, req, parts[0])
		case "remove":
			h.Remove(w, req, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.Handle("/api/v1/settings", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.UpdateSettings(w, req)
	})

	r.Handle("/api/v1/preferences", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.UpdatePreferences(w, req)
	})

	r.Handle("/api/v1/pause", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.SetPause(w, req)
	})
}

// RegisterHealthRoute 健康检查
func (r *Router) RegisterHealthRoute() {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
