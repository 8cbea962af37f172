package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"shopcart/internal/config"
	"shopcart/internal/domain"
	"shopcart/internal/metrics"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

// Cart is the subset of *cart.Store the API drives.
type Cart interface {
	Cart() domain.Cart
	AddItem(ctx context.Context, id domain.ProductID)
	RemoveItem(ctx context.Context, id domain.ProductID)
	SetItemAmount(ctx context.Context, id domain.ProductID, amount int)
	Subscribe() (<-chan domain.Cart, func())
}

type NoticeLister interface {
	List(limit int) []domain.Notice
}

type Server struct {
	cfg     config.Config
	cart    Cart
	notices NoticeLister
	logger  *zap.Logger

	streamsDone chan struct{}
	closeOnce   sync.Once
}

func NewServer(cfg config.Config, cart Cart, notices NoticeLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		cart:        cart,
		notices:     notices,
		logger:      logger,
		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open /cart/events stream. Meant for
// http.Server.RegisterOnShutdown, since Shutdown does not cancel them.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/admin/login", s.handleAdminLogin)

	r.Get("/cart", s.handleGetCart)
	r.Get("/cart/events", s.handleCartEvents)
	r.Get("/notices", s.handleListNotices)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/cart/items", s.handleAddItem)
		protected.Put("/cart/items/{productID}", s.handleSetItemAmount)
		protected.Delete("/cart/items/{productID}", s.handleRemoveItem)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cartView(s.cart.Cart()))
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID domain.ProductID `json:"product_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProductID <= 0 {
		writeError(w, http.StatusBadRequest, "product_id must be positive")
		return
	}
	s.logMutation(r, "add", req.ProductID)
	s.cart.AddItem(r.Context(), req.ProductID)
	writeJSON(w, http.StatusOK, cartView(s.cart.Cart()))
}

func (s *Server) handleSetItemAmount(w http.ResponseWriter, r *http.Request) {
	id, err := productIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Amount *int `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	s.logMutation(r, "set_amount", id, zap.Int("amount", *req.Amount))
	s.cart.SetItemAmount(r.Context(), id, *req.Amount)
	writeJSON(w, http.StatusOK, cartView(s.cart.Cart()))
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id, err := productIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logMutation(r, "remove", id)
	s.cart.RemoveItem(r.Context(), id)
	writeJSON(w, http.StatusOK, cartView(s.cart.Cart()))
}

func (s *Server) handleListNotices(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	notices := s.notices.List(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notices": notices,
		"count":   len(notices),
	})
}

// handleCartEvents streams every published cart as a server-sent event until
// the client goes away.
func (s *Server) handleCartEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	updates, cancel := s.cart.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streamsDone:
			return
		case c, open := <-updates:
			if !open {
				return
			}
			raw, err := json.Marshal(cartView(c))
			if err != nil {
				s.logger.Error("encode cart event", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: cart\ndata: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type cartResponse struct {
	Items domain.Cart `json:"items"`
	Count int         `json:"count"`
	Total string      `json:"total"`
}

func cartView(c domain.Cart) cartResponse {
	if c == nil {
		c = domain.Cart{}
	}
	return cartResponse{
		Items: c,
		Count: c.Count(),
		Total: c.Total().StringFixed(2),
	}
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expiresAt := time.Now().UTC().Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logMutation(r *http.Request, op string, id domain.ProductID, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("admin", adminSubject(r.Context())),
		zap.String("operation", op),
		zap.Int("product_id", int(id)),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	}, fields...)
	s.logger.Info("cart mutation", fields...)
}

func adminSubject(ctx context.Context) string {
	sub, _ := ctx.Value(contextKeyAdminSubject).(string)
	return sub
}

func productIDParam(r *http.Request) (domain.ProductID, error) {
	raw := chi.URLParam(r, "productID")
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid product id")
	}
	return domain.ProductID(v), nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
