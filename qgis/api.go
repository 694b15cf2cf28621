package qgis

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
	"github.com/agrisense-io/agrisense/core/ownership"
	"github.com/agrisense-io/agrisense/events"
)

// API is the QGIS reading REST API
type API struct {
	store     *Store
	checker   *ownership.Checker
	publisher events.Publisher
	schema    *gojsonschema.Schema
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Checker applies the ownership rule. This is mandatory.
	Checker *ownership.Checker
	// Publisher publishes reading events. This is optional.
	Publisher events.Publisher
}

// MustNewAPI realizes the actual API. It creates the sql relation (if
// it does not exist) and adds the REST routes to the router.
func MustNewAPI(b *Builder) *API {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Checker == nil {
		panic("Checker is missing")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"device": {"type": "string", "format": "uuid"},
		"geo_location_lat": {"type": ["number", "null"]},
		"geo_location_long": {"type": ["number", "null"]},
		"ndvi": {"type": ["number", "null"]},
		"gndvi": {"type": ["number", "null"]},
		"lai": {"type": ["number", "null"]},
		"msavi": {"type": ["number", "null"]},
		"recording_time": {"type": "string", "format": "date-time"}
	},
	"required": ["device"],
	"additionalProperties": false
}`))
	if err != nil {
		panic(err)
	}
	a := &API{
		store:     MustNewStore(&StoreBuilder{DB: b.DB}),
		checker:   b.Checker,
		publisher: b.Publisher,
		schema:    schema,
	}
	a.addRoutes(b.Router)
	return a
}

func (a *API) addRoutes(router *mux.Router) {
	router.HandleFunc("/qgis", a.create).Methods(http.MethodPost)
	router.HandleFunc("/qgis/mapped-to-user", a.mappedToUser).Methods(http.MethodGet)
	router.HandleFunc("/qgis/mapped-to-user/admin", a.mappedToUserAdmin).Methods(http.MethodGet)
	router.HandleFunc("/qgis/by-device", a.byDevice).Methods(http.MethodGet)
	router.HandleFunc("/qgis/by-location", a.byLocation).Methods(http.MethodGet)
	router.HandleFunc("/qgis/by-location/admin", a.byLocationAdmin).Methods(http.MethodGet)
	router.HandleFunc("/qgis/{qgis_id}", a.update).Methods(http.MethodPatch)
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
	var reading Reading
	if err := json.Unmarshal(body, &reading); err != nil {
		errs.WriteError(w, errs.Validation("invalid json data"))
		return
	}

	if err := a.checker.Authorize(r.Context(), auth, *reading.DeviceID, core.DeviceTypeQGIS); err != nil {
		errs.WriteError(w, err)
		return
	}
	if err := a.store.Insert(r.Context(), &reading); err != nil {
		errs.WriteError(w, err)
		return
	}
	logger.FromContext(r.Context()).Debugln("stored qgis reading", reading.QgisID)
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "qgis",
		Operation:  events.OperationCreate,
		ResourceID: reading.QgisID,
		DeviceID:   reading.DeviceID,
		Payload:    events.PayloadOf(reading),
	})
	core.WriteJSON(w, http.StatusCreated, reading)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	qgisID, err := uuid.Parse(mux.Vars(r)["qgis_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid qgis reading id"))
		return
	}
	reading, err := a.store.Get(r.Context(), qgisID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	// readings orphaned by device deletion are superuser territory
	if reading.DeviceID != nil {
		err = a.checker.Authorize(r.Context(), auth, *reading.DeviceID, core.DeviceTypeQGIS)
	} else if !auth.IsSuperuser() {
		err = errs.Forbidden("reading is not associated with a device")
	}
	if err != nil {
		errs.WriteError(w, err)
		return
	}

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		errs.WriteError(w, errs.Validation("invalid json data"))
		return
	}
	// re-binding to another device requires access to that device too
	if update.DeviceID != nil {
		if err := a.checker.Authorize(r.Context(), auth, *update.DeviceID, core.DeviceTypeQGIS); err != nil {
			errs.WriteError(w, err)
			return
		}
	}
	reading, err = a.store.Patch(r.Context(), qgisID, update)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "qgis",
		Operation:  events.OperationUpdate,
		ResourceID: reading.QgisID,
		DeviceID:   reading.DeviceID,
		Payload:    events.PayloadOf(reading),
	})
	core.WriteJSON(w, http.StatusOK, reading)
}

func (a *API) mappedToUser(w http.ResponseWriter, r *http.Request) {
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

func (a *API) mappedToUserAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	target, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		errs.WriteError(w, errs.Validation("user_id must be a valid uuid query parameter"))
		return
	}
	response, err := a.store.ListForUser(r.Context(), target)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) byDevice(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	deviceID, err := uuid.Parse(r.URL.Query().Get("device_id"))
	if err != nil {
		errs.WriteError(w, errs.Validation("device_id must be a valid uuid query parameter"))
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, deviceID, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	response, err := a.store.ListByDevice(r.Context(), deviceID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) byLocation(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	lat, long, err := core.LocationQuery(r)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	response, err := a.store.ListByLocation(r.Context(), lat, long, &auth.UserID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) byLocationAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := access.RequireSuperuser(w, r); !ok {
		return
	}
	lat, long, err := core.LocationQuery(r)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	response, err := a.store.ListByLocation(r.Context(), lat, long, nil)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}
