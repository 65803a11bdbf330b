package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/archive"
	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/httpapi"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/policy"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

const adminMaxBody = 64 << 10

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, adminMaxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httpapi.WriteError(w, http.StatusRequestEntityTooLarge, string(domain.KindInvalidRequest), "request body too large")
			return false
		}
		httpapi.WriteError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "request body is not valid JSON")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	httpapi.WriteError(w, http.StatusMethodNotAllowed, string(domain.KindInvalidRequest), "method not allowed")
}

func notFound(w http.ResponseWriter) {
	httpapi.WriteError(w, http.StatusNotFound, "not_found", "not found")
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	// No password configured means no way in. Fail closed rather than
	// open the surface with an empty-string match.
	if s.password == "" {
		httpapi.WriteError(w, http.StatusForbidden, "forbidden", "login is not configured")
		return
	}
	var req loginRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if !passwordsMatch(s.password, req.Password) {
		httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	token, expires, err := s.issuer.Mint("operator")
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("operator login")
	httpapi.WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

type pairingResponse struct {
	Pairing   string    `json:"pairing"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	pairString, code, err := s.pairing.GeneratePairing(r.Context())
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	s.log.Info("pairing code generated", "codeId", code.ID, "expiresAt", code.ExpiresAt)
	httpapi.WriteJSON(w, http.StatusOK, pairingResponse{Pairing: pairString, ExpiresAt: code.ExpiresAt})
}

// installView is what the operator sees before deciding. It joins the
// session with the PENDING app row it created.
type installView struct {
	AppID                string                     `json:"appId"`
	AppName              string                     `json:"appName"`
	Description          string                     `json:"description,omitempty"`
	Homepage             string                     `json:"homepage,omitempty"`
	Status               domain.SessionStatus       `json:"status"`
	ExpiresAt            time.Time                  `json:"expiresAt"`
	RequestedPermissions []domain.PermissionRequest `json:"requestedPermissions"`
}

// pendingInstallView carries the session token so the operator can act
// on the entry. The list is auth-walled; the token never leaves the
// operator surface otherwise.
type pendingInstallView struct {
	SessionToken         string                     `json:"sessionToken"`
	AppID                string                     `json:"appId"`
	AppName              string                     `json:"appName"`
	ExpiresAt            time.Time                  `json:"expiresAt"`
	CreatedAt            time.Time                  `json:"createdAt"`
	RequestedPermissions []domain.PermissionRequest `json:"requestedPermissions"`
}

func (s *Server) handleInstallsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions, err := s.pairing.Pending(r.Context())
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	views := make([]pendingInstallView, 0, len(sessions))
	for _, sess := range sessions {
		v := pendingInstallView{
			SessionToken:         sess.SessionToken,
			AppID:                sess.AppID,
			ExpiresAt:            sess.ExpiresAt,
			CreatedAt:            sess.CreatedAt,
			RequestedPermissions: sess.RequestedPermissions,
		}
		if app, err := s.apps.Get(r.Context(), sess.AppID); err == nil {
			v.AppName = app.Name
		}
		views = append(views, v)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"installs": views})
}

func (s *Server) handleInstallsRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/installs/")
	token, action, _ := strings.Cut(rest, "/")
	if token == "" {
		notFound(w)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleInstallGet(w, r, token)
	case action == "approve" && r.Method == http.MethodPost:
		s.handleInstallApprove(w, r, token)
	case action == "deny" && r.Method == http.MethodPost:
		s.handleInstallDeny(w, r, token)
	case action == "":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *Server) handleInstallGet(w http.ResponseWriter, r *http.Request, token string) {
	session, err := s.pairing.Session(r.Context(), token)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	app, err := s.apps.Get(r.Context(), session.AppID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, installView{
		AppID:                app.ID,
		AppName:              app.Name,
		Description:          app.Description,
		Homepage:             app.Homepage,
		Status:               session.Status,
		ExpiresAt:            session.ExpiresAt,
		RequestedPermissions: session.RequestedPermissions,
	})
}

type approveRequest struct {
	Grants []pairing.Grant `json:"grants"`
}

func (s *Server) handleInstallApprove(w http.ResponseWriter, r *http.Request, token string) {
	var req approveRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.pairing.Approve(r.Context(), token, req.Grants)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	s.log.Info("install approved", "appId", result.AppID, "grants", len(req.Grants))
	httpapi.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleInstallDeny(w http.ResponseWriter, r *http.Request, token string) {
	result, err := s.pairing.Deny(r.Context(), token)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	s.log.Info("install denied", "appId", result.AppID)
	httpapi.WriteJSON(w, http.StatusOK, result)
}

type appView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Homepage    string           `json:"homepage,omitempty"`
	Status      domain.AppStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func appViewOf(a domain.App) appView {
	return appView{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Homepage:    a.Homepage,
		Status:      a.Status,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func (s *Server) handleAppsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	apps, err := s.apps.List(r.Context())
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	out := make([]appView, 0, len(apps))
	for _, a := range apps {
		out = append(out, appViewOf(a))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"apps": out})
}

type permissionView struct {
	ID         string                  `json:"id"`
	ResourceID domain.ResourceID       `json:"resourceId"`
	Action     string                  `json:"action"`
	Policy     domain.AccessPolicy     `json:"policy"`
	Status     domain.PermissionStatus `json:"status"`
	CreatedAt  time.Time               `json:"createdAt"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

func (s *Server) handleAppsRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/apps/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		notFound(w)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleAppGet(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleAppDelete(w, r, id)
	case action == "disable" && r.Method == http.MethodPost:
		s.handleAppDisable(w, r, id)
	case action == "usage" && r.Method == http.MethodGet:
		s.handleAppUsage(w, r, id)
	case action == "":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *Server) handleAppGet(w http.ResponseWriter, r *http.Request, id string) {
	app, err := s.apps.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	perms, err := s.perms.ListByApp(r.Context(), id)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, permissionView{
			ID:         p.ID,
			ResourceID: p.ResourceID,
			Action:     p.Action,
			Policy:     p.Policy,
			Status:     p.Status,
			CreatedAt:  p.CreatedAt,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"app":         appViewOf(*app),
		"permissions": views,
	})
}

func (s *Server) handleAppDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.apps.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("app deleted", "appId", id)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAppDisable(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.apps.UpdateStatus(r.Context(), id, domain.AppDisabled, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("app disabled", "appId", id)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": string(domain.AppDisabled)})
}

type usageResponse struct {
	AppID      string              `json:"appId"`
	ResourceID domain.ResourceID   `json:"resourceId"`
	Date       string              `json:"date"`
	Models     []policy.ModelUsage `json:"models"`
}

func (s *Server) handleAppUsage(w http.ResponseWriter, r *http.Request, id string) {
	resourceID := domain.ResourceID(r.URL.Query().Get("resource"))
	if resourceID == "" {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "resource query parameter is required")
		return
	}
	if err := resourceID.Validate(); err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), err.Error())
		return
	}
	at := s.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "date must be formatted YYYY-MM-DD")
			return
		}
		at = day
	}
	models, err := s.usage.ModelUsageFor(r.Context(), id, resourceID, at)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, usageResponse{
		AppID:      id,
		ResourceID: resourceID,
		Date:       at.UTC().Format("2006-01-02"),
		Models:     models,
	})
}

func (s *Server) handlePermissionsRouter(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/permissions/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.perms.Revoke(r.Context(), id, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("permission revoked", "permissionId", id)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": string(domain.PermissionRevoked)})
}

// resourceView is the sanitized listing entry. Ciphertext and IV never
// leave the store through this surface.
type resourceView struct {
	ResourceID   domain.ResourceID   `json:"resourceId"`
	Name         string              `json:"name"`
	ResourceType string              `json:"resourceType"`
	Status       domain.SecretStatus `json:"status"`
	Config       map[string]string   `json:"config,omitempty"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func (s *Server) handleResourcesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	secrets, err := s.secrets.List(r.Context())
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	out := make([]resourceView, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, resourceView{
			ResourceID:   sec.ResourceID,
			Name:         sec.Name,
			ResourceType: sec.ResourceType,
			Status:       sec.Status,
			Config:       sec.Config,
			UpdatedAt:    sec.UpdatedAt,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"resources": out})
}

func (s *Server) handleResourcesRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/resources/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && r.Method == http.MethodPut:
		s.handleResourceUpsert(w, r, parts[0], parts[1])
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleResourceDelete(w, r, parts[0], parts[1])
	case len(parts) == 3 && parts[2] == "disable" && r.Method == http.MethodPost:
		s.handleResourceDisable(w, r, parts[0], parts[1])
	case len(parts) == 2:
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

type resourceUpsertRequest struct {
	Name   string            `json:"name,omitempty"`
	Secret string            `json:"secret"`
	Config map[string]string `json:"config,omitempty"`
}

func (s *Server) handleResourceUpsert(w http.ResponseWriter, r *http.Request, resourceType, provider string) {
	id, err := domain.NewResourceID(resourceType, provider)
	if err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), err.Error())
		return
	}
	p, err := s.registry.Get(id)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, string(domain.KindUnknownResource), fmt.Sprintf("no plugin registered for %s", id))
		return
	}
	var req resourceUpsertRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	manifest := p.Manifest()
	config, err := validateCredentials(manifest, req.Secret, req.Config)
	if err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), err.Error())
		return
	}
	envelope, err := s.vault.EncryptString(req.Secret)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(fmt.Errorf("adminapi: encrypt secret: %w", err)))
		return
	}
	name := req.Name
	if name == "" {
		name = manifest.Name
	}
	now := s.now()
	sec := domain.ResourceSecret{
		ResourceID:   id,
		Name:         name,
		ResourceType: id.Type(),
		EncryptedKey: envelope.EncryptedKey,
		KeyIV:        envelope.KeyIV,
		Config:       config,
		Status:       domain.SecretActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.secrets.Upsert(r.Context(), sec); err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("resource secret registered", "resourceId", id)
	httpapi.WriteJSON(w, http.StatusOK, resourceView{
		ResourceID:   sec.ResourceID,
		Name:         sec.Name,
		ResourceType: sec.ResourceType,
		Status:       sec.Status,
		Config:       sec.Config,
		UpdatedAt:    sec.UpdatedAt,
	})
}

// validateCredentials checks the submitted secret and config against the
// plugin's declared schema and returns the effective config with defaults
// applied. The secret field itself never lands in config.
func validateCredentials(m plugin.Manifest, secret string, config map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range m.CredentialSchema {
		switch field.Type {
		case plugin.FieldSecret:
			if field.Required && secret == "" {
				return nil, fmt.Errorf("credential field %q is required", field.Name)
			}
		case plugin.FieldString, plugin.FieldURL:
			value := out[field.Name]
			if value == "" && field.Default != "" {
				value = field.Default
				out[field.Name] = value
			}
			if field.Required && value == "" {
				return nil, fmt.Errorf("credential field %q is required", field.Name)
			}
			if field.Type == plugin.FieldURL && value != "" {
				u, err := url.Parse(value)
				if err != nil || !u.IsAbs() {
					return nil, fmt.Errorf("credential field %q must be an absolute URL", field.Name)
				}
			}
		}
	}
	return out, nil
}

func (s *Server) handleResourceDisable(w http.ResponseWriter, r *http.Request, resourceType, provider string) {
	id, err := domain.NewResourceID(resourceType, provider)
	if err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), err.Error())
		return
	}
	if err := s.secrets.SetStatus(r.Context(), id, domain.SecretDisabled, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("resource secret disabled", "resourceId", id)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": string(domain.SecretDisabled)})
}

func (s *Server) handleResourceDelete(w http.ResponseWriter, r *http.Request, resourceType, provider string) {
	id, err := domain.NewResourceID(resourceType, provider)
	if err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), err.Error())
		return
	}
	if err := s.secrets.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w)
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	s.log.Info("resource secret deleted", "resourceId", id)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"plugins": s.registry.List()})
}

const (
	decisionsDefaultLimit = 200
	decisionsMaxLimit     = 1000
)

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	to := s.now()
	from := to.Add(-24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "from must be RFC 3339")
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "to must be RFC 3339")
			return
		}
		to = t
	}
	limit := decisionsDefaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "limit must be a positive integer")
			return
		}
		if n > decisionsMaxLimit {
			n = decisionsMaxLimit
		}
		limit = n
	}
	records, err := s.decisions.ListRange(r.Context(), from, to)
	if err != nil {
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	appID := q.Get("appId")
	out := make([]domain.DecisionRecord, 0, len(records))
	for _, rec := range records {
		if appID != "" && rec.AppID != appID {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "archive is not configured")
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/archive/")
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpapi.WriteError(w, http.StatusUnprocessableEntity, string(domain.KindInvalidRequest), "archive date must be formatted YYYY-MM-DD")
		return
	}
	data, err := s.archive.Get(r.Context(), archive.DayKey(day))
	if err != nil {
		if errors.Is(err, archive.ErrNotExist) {
			httpapi.WriteError(w, http.StatusNotFound, "not_found", "no archive batch for that day")
			return
		}
		httpapi.WriteDomainError(w, s.log, domain.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
