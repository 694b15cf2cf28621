package users

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/logger"
)

// API is the account and session REST API
type API struct {
	store   *Store
	keys    *APIKeyStore
	issuer  *access.TokenIssuer
	schemas map[string]*gojsonschema.Schema
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Issuer issues and validates session tokens. This is mandatory.
	Issuer *access.TokenIssuer
}

// MustNewAPI realizes the actual API. It creates the sql relations for
// users and api keys (if they do not exist) and adds the REST routes to
// the router.
func MustNewAPI(b *Builder) *API {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Issuer == nil {
		panic("Issuer is missing")
	}

	a := &API{
		store:   MustNewStore(&StoreBuilder{DB: b.DB}),
		keys:    mustNewAPIKeyStore(b.DB),
		issuer:  b.Issuer,
		schemas: mustCompileSchemas(),
	}
	a.addRoutes(b.Router)
	return a
}

// Store returns the underlying user store, for bootstrap and for
// wiring other packages.
func (a *API) Store() *Store {
	return a.store
}

func mustCompileSchemas() map[string]*gojsonschema.Schema {
	sources := map[string]string{
		"register": `{
	"type": "object",
	"properties": {
		"username": {"type": "string", "minLength": 1},
		"password": {"type": "string", "minLength": 8},
		"email": {"type": "string"},
		"contact": {"type": "string"}
	},
	"required": ["username", "password"],
	"additionalProperties": false
}`,
		"login": `{
	"type": "object",
	"properties": {
		"username": {"type": "string", "minLength": 1},
		"password": {"type": "string", "minLength": 1}
	},
	"required": ["username", "password"],
	"additionalProperties": false
}`,
		"refresh": `{
	"type": "object",
	"properties": {
		"refresh": {"type": "string", "minLength": 1}
	},
	"required": ["refresh"],
	"additionalProperties": false
}`,
		"update": `{
	"type": "object",
	"properties": {
		"email": {"type": "string"},
		"contact": {"type": "string"},
		"password": {"type": "string", "minLength": 8}
	},
	"additionalProperties": false
}`,
		"api_key": `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1}
	},
	"required": ["name"],
	"additionalProperties": false
}`,
	}
	schemas := map[string]*gojsonschema.Schema{}
	for name, source := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			panic(err)
		}
		schemas[name] = schema
	}
	return schemas
}

// readValidated reads the request body and validates it against the
// named schema before unmarshalling into result.
func (a *API) readValidated(r *http.Request, name string, result interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errs.Validation("cannot read request body")
	}
	validation, err := a.schemas[name].Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errs.Validation("invalid json data")
	}
	if !validation.Valid() {
		return errs.Validation("invalid request: %s", validation.Errors()[0].String())
	}
	if err := json.Unmarshal(body, result); err != nil {
		return errs.Validation("invalid json data")
	}
	return nil
}

func (a *API) addRoutes(router *mux.Router) {
	router.HandleFunc("/users", a.register).Methods(http.MethodPost)
	router.HandleFunc("/users", a.updateSelf).Methods(http.MethodPut)
	router.HandleFunc("/users", a.list).Methods(http.MethodGet)
	router.HandleFunc("/users/details", a.details).Methods(http.MethodGet)
	router.HandleFunc("/users/{user_id}/admin", a.getAdmin).Methods(http.MethodGet)
	router.HandleFunc("/users/{user_id}", a.delete).Methods(http.MethodDelete)
	router.HandleFunc("/login", a.login).Methods(http.MethodPost)
	router.HandleFunc("/refresh", a.refresh).Methods(http.MethodPost)

	router.HandleFunc("/api-keys", a.createAPIKey).Methods(http.MethodPost)
	router.HandleFunc("/api-keys", a.listAPIKeys).Methods(http.MethodGet)
	router.HandleFunc("/api-keys/{api_key_id}", a.deleteAPIKey).Methods(http.MethodDelete)
}

func (a *API) tokenPair(u User) (access.TokenPair, error) {
	return a.issuer.IssuePair(&access.Authorization{
		UserID:    u.UserID,
		Identity:  u.Username,
		Superuser: u.Superuser,
	})
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	var request struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		Contact  string `json:"contact"`
	}
	if err := a.readValidated(r, "register", &request); err != nil {
		errs.WriteError(w, err)
		return
	}

	u, err := a.store.Create(r.Context(), request.Username, request.Email, request.Contact, request.Password, false)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	pair, err := a.tokenPair(u)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	rlog.Infoln("registered user", u.Username)
	core.WriteJSON(w, http.StatusCreated, struct {
		User    User   `json:"user"`
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}{u, pair.Access, pair.Refresh})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := a.readValidated(r, "login", &request); err != nil {
		errs.WriteError(w, err)
		return
	}

	u, err := a.store.GetByUsername(r.Context(), request.Username)
	if err != nil || !u.VerifyPassword(request.Password) {
		// identical answer for unknown user and wrong password
		errs.WriteError(w, errs.Unauthorized("invalid credentials"))
		return
	}
	pair, err := a.tokenPair(u)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, pair)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Refresh string `json:"refresh"`
	}
	if err := a.readValidated(r, "refresh", &request); err != nil {
		errs.WriteError(w, err)
		return
	}

	claims, err := a.issuer.Validate(request.Refresh, access.TokenTypeRefresh)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	// re-read the user so a refresh picks up role changes and fails for
	// deleted accounts
	u, err := a.store.Get(r.Context(), claims.UserID)
	if err != nil {
		errs.WriteError(w, errs.Unauthorized("invalid token"))
		return
	}
	pair, err := a.tokenPair(u)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, pair)
}

func (a *API) details(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	u, err := a.store.Get(r.Context(), auth.UserID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, u)
}

func (a *API) updateSelf(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	var update Update
	if err := a.readValidated(r, "update", &update); err != nil {
		errs.WriteError(w, err)
		return
	}
	u, err := a.store.Patch(r.Context(), auth.UserID, update)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, u)
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	response, err := a.store.List(r.Context())
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) getAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid user id"))
		return
	}
	u, err := a.store.Get(r.Context(), userID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, u)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	// account removal is an administrative operation, even for the
	// account owner
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid user id"))
		return
	}
	if err := a.store.Delete(r.Context(), userID); err != nil {
		errs.WriteError(w, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("deleted user", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createAPIKey(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	var request struct {
		Name string `json:"name"`
	}
	if err := a.readValidated(r, "api_key", &request); err != nil {
		errs.WriteError(w, err)
		return
	}
	key, err := a.keys.Create(r.Context(), auth.UserID, request.Name)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	// the clear text key is part of this response only
	core.WriteJSON(w, http.StatusCreated, key)
}

func (a *API) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	response, err := a.keys.ListForUser(r.Context(), auth.UserID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	keyID, err := uuid.Parse(mux.Vars(r)["api_key_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid api key id"))
		return
	}
	owner := auth.UserID
	if auth.IsSuperuser() {
		owner = uuid.Nil // any owner
	}
	if err := a.keys.Delete(r.Context(), keyID, owner); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
