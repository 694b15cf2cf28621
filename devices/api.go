package devices

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
	"github.com/agrisense-io/agrisense/core/kss"
	"github.com/agrisense-io/agrisense/core/logger"
	"github.com/agrisense-io/agrisense/core/ownership"
	"github.com/agrisense-io/agrisense/events"
)

// status strings of the map and unmap operations. These are part of
// the wire contract, clients match on them.
const (
	statusMapped        = "user added to device"
	statusAlreadyMapped = "user already mapped to device"
	statusUnmapped      = "device unmapped from user"
	statusNotMapped     = "user not mapped to device"
)

// API is the device REST API
type API struct {
	store     *Store
	images    *imageStore
	checker   *ownership.Checker
	blobs     kss.Driver
	publisher events.Publisher
	schema    *gojsonschema.Schema
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Blobs stores image content. This is mandatory.
	Blobs kss.Driver
	// Publisher publishes device events. This is optional.
	Publisher events.Publisher
}

// MustNewAPI realizes the actual API. It creates the sql relations for
// devices, memberships and images (if they do not exist) and adds the
// REST routes to the router.
func MustNewAPI(b *Builder) *API {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Blobs == nil {
		panic("Blobs is missing")
	}

	store := MustNewStore(&StoreBuilder{DB: b.DB})
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"location": {"type": "string"},
		"macaddress": {"type": "string"},
		"type": {"type": ["string", "integer"]}
	},
	"required": ["name", "type"],
	"additionalProperties": false
}`))
	if err != nil {
		panic(err)
	}
	a := &API{
		store:     store,
		images:    mustNewImageStore(b.DB),
		checker:   ownership.MustNewChecker(&ownership.CheckerBuilder{Devices: store, Memberships: store}),
		blobs:     b.Blobs,
		publisher: b.Publisher,
		schema:    schema,
	}
	a.addRoutes(b.Router)
	return a
}

// Store returns the underlying device store, for wiring the reading
// verticals.
func (a *API) Store() *Store {
	return a.store
}

// Checker returns the ownership checker built on this store
func (a *API) Checker() *ownership.Checker {
	return a.checker
}

func (a *API) addRoutes(router *mux.Router) {
	router.HandleFunc("/devices", a.create).Methods(http.MethodPost)
	router.HandleFunc("/devices", a.list).Methods(http.MethodGet)
	router.HandleFunc("/devices/admin", a.listAdmin).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}", a.get).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}", a.update).Methods(http.MethodPut)
	router.HandleFunc("/devices/{device_id}", a.delete).Methods(http.MethodDelete)

	router.HandleFunc("/devices/{device_id}/map_user", a.mapSelf).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/unmap_user", a.unmapSelf).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/map_user/admin", a.mapAdmin).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/unmap_user/admin", a.unmapAdmin).Methods(http.MethodPost)

	a.addImageRoutes(router)
}

func deviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["device_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid device id"))
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errs.WriteError(w, errs.Validation("cannot read request body"))
		return
	}
	validation, err := a.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid json data"))
		return
	}
	if !validation.Valid() {
		errs.WriteError(w, errs.Validation("invalid request: %s", validation.Errors()[0].String()))
		return
	}
	var d Device
	if err := json.Unmarshal(body, &d); err != nil {
		errs.WriteError(w, errs.Validation("invalid json data"))
		return
	}
	if !d.Type.Valid() || d.Type == core.DeviceTypeAny {
		errs.WriteError(w, errs.Validation("invalid device type"))
		return
	}

	if err := a.store.Create(r.Context(), &d, auth.UserID); err != nil {
		errs.WriteError(w, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("registered device", d.DeviceID, "for", auth.Identity)
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "device",
		Operation:  events.OperationCreate,
		ResourceID: d.DeviceID,
		Payload:    events.PayloadOf(d),
	})
	core.WriteJSON(w, http.StatusCreated, d)
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	response, err := a.store.ListForUser(r.Context(), auth.UserID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) listAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	response, err := a.store.ListAll(r.Context())
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	d, err := a.store.Get(r.Context(), id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, d)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	var update DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		errs.WriteError(w, errs.Validation("invalid json data"))
		return
	}
	if update.Type != nil && (!update.Type.Valid() || *update.Type == core.DeviceTypeAny) {
		errs.WriteError(w, errs.Validation("invalid device type"))
		return
	}
	d, err := a.store.Patch(r.Context(), id, update)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "device",
		Operation:  events.OperationUpdate,
		ResourceID: d.DeviceID,
		Payload:    events.PayloadOf(d),
	})
	core.WriteJSON(w, http.StatusOK, d)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	if err := a.store.Delete(r.Context(), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	// image rows cascade with the device, the blob content does not
	if err := a.blobs.DeleteAllWithPrefix(r.Context(), imageKeyPrefix(id)); err != nil {
		logger.FromContext(r.Context()).WithError(err).Warningln("cannot delete image content for device", id)
	}
	logger.FromContext(r.Context()).Infoln("deleted device", id)
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "device",
		Operation:  events.OperationDelete,
		ResourceID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// mapUser maps the target user to the device and writes the status
// response. The device must exist.
func (a *API) mapUser(w http.ResponseWriter, r *http.Request, id, target uuid.UUID) {
	if _, err := a.store.Get(r.Context(), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	added, err := a.store.Map(r.Context(), target, id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	status := statusAlreadyMapped
	if added {
		status = statusMapped
		logger.FromContext(r.Context()).Infoln("mapped user", target, "to device", id)
	}
	core.WriteJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{status})
}

func (a *API) unmapUser(w http.ResponseWriter, r *http.Request, id, target uuid.UUID) {
	if _, err := a.store.Get(r.Context(), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	removed, err := a.store.Unmap(r.Context(), target, id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	status := statusNotMapped
	if removed {
		status = statusUnmapped
		logger.FromContext(r.Context()).Infoln("unmapped user", target, "from device", id)
	}
	core.WriteJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{status})
}

func (a *API) mapSelf(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	a.mapUser(w, r, id, auth.UserID)
}

func (a *API) unmapSelf(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	a.unmapUser(w, r, id, auth.UserID)
}

// targetUser reads the target user id from an admin map/unmap body
func targetUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var request struct {
		UserID *uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.UserID == nil {
		errs.WriteError(w, errs.Validation("user_id is required"))
		return uuid.Nil, false
	}
	return *request.UserID, true
}

func (a *API) mapAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	target, ok := targetUser(w, r)
	if !ok {
		return
	}
	a.mapUser(w, r, id, target)
}

func (a *API) unmapAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	target, ok := targetUser(w, r)
	if !ok {
		return
	}
	a.unmapUser(w, r, id, target)
}
