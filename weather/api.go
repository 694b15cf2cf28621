package weather

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

// API is the weather reading REST API
type API struct {
	store     *Store
	checker   *ownership.Checker
	devices   ownership.DeviceSource
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
	// Devices resolves devices for the edge ingestion path, which
	// checks existence and type but no membership. This is mandatory.
	Devices ownership.DeviceSource
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
	if b.Devices == nil {
		panic("Devices is missing")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"device": {"type": "string", "format": "uuid"},
		"geo_location_lat": {"type": ["number", "null"]},
		"geo_location_long": {"type": ["number", "null"]},
		"wind_direction": {"type": "string"},
		"wind_speed": {"type": "string"},
		"rainfall": {"type": "string"},
		"sunshine": {"type": "string"},
		"temperature": {"type": "string"},
		"humidity": {"type": "string"},
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
		devices:   b.Devices,
		publisher: b.Publisher,
		schema:    schema,
	}
	a.addRoutes(b.Router)
	return a
}

func (a *API) addRoutes(router *mux.Router) {
	router.HandleFunc("/wstations", a.create).Methods(http.MethodPost)
	router.HandleFunc("/wstations/mapped-to-user", a.mappedToUser).Methods(http.MethodGet)
	router.HandleFunc("/wstations/mapped-to-user/admin", a.mappedToUserAdmin).Methods(http.MethodGet)
	router.HandleFunc("/wstations/by-device", a.byDevice).Methods(http.MethodGet)
	router.HandleFunc("/wstations/by-location", a.byLocation).Methods(http.MethodGet)
	router.HandleFunc("/wstations/by-location/admin", a.byLocationAdmin).Methods(http.MethodGet)
	router.HandleFunc("/wstations/{weather_id}", a.update).Methods(http.MethodPatch)
	router.HandleFunc("/wstations-edge", a.createEdge).Methods(http.MethodPost)
}

// readValidated reads and validates a reading payload
func (a *API) readValidated(r *http.Request) (Reading, error) {
	var reading Reading
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return reading, errs.Validation("cannot read request body")
	}
	validation, err := a.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return reading, errs.Validation("invalid json data")
	}
	if !validation.Valid() {
		return reading, errs.Validation("invalid request: %s", validation.Errors()[0].String())
	}
	if err := json.Unmarshal(body, &reading); err != nil {
		return reading, errs.Validation("invalid json data")
	}
	return reading, nil
}

func (a *API) insertAndRespond(w http.ResponseWriter, r *http.Request, reading Reading) {
	if err := a.store.Insert(r.Context(), &reading); err != nil {
		errs.WriteError(w, err)
		return
	}
	logger.FromContext(r.Context()).Debugln("stored weather reading", reading.WeatherID)
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "weather",
		Operation:  events.OperationCreate,
		ResourceID: reading.WeatherID,
		DeviceID:   reading.DeviceID,
		Payload:    events.PayloadOf(reading),
	})
	core.WriteJSON(w, http.StatusCreated, reading)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	reading, err := a.readValidated(r)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, *reading.DeviceID, core.DeviceTypeWeather); err != nil {
		errs.WriteError(w, err)
		return
	}
	a.insertAndRespond(w, r, reading)
}

// createEdge ingests telemetry authorized by API key alone. The key
// identifies a trusted gateway; the station does not have to be mapped
// to the key's owner. Device existence and type are still enforced.
func (a *API) createEdge(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil || !auth.HasRole(access.RoleEdge) {
		errs.WriteError(w, errs.Unauthorized("valid api key required"))
		return
	}
	reading, err := a.readValidated(r)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	device, err := a.devices.Device(r.Context(), *reading.DeviceID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if device.Type != core.DeviceTypeWeather {
		errs.WriteError(w, errs.TypeMismatch("device is not of type %s", core.DeviceTypeWeather))
		return
	}
	a.insertAndRespond(w, r, reading)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	auth, ok := access.RequireAuthorization(w, r)
	if !ok {
		return
	}
	weatherID, err := uuid.Parse(mux.Vars(r)["weather_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid weather reading id"))
		return
	}
	reading, err := a.store.Get(r.Context(), weatherID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	// readings orphaned by device deletion are superuser territory
	if reading.DeviceID != nil {
		err = a.checker.Authorize(r.Context(), auth, *reading.DeviceID, core.DeviceTypeWeather)
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
		if err := a.checker.Authorize(r.Context(), auth, *update.DeviceID, core.DeviceTypeWeather); err != nil {
			errs.WriteError(w, err)
			return
		}
	}
	reading, err = a.store.Patch(r.Context(), weatherID, update)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	events.PublishOrLog(r.Context(), a.publisher, events.Event{
		Resource:   "weather",
		Operation:  events.OperationUpdate,
		ResourceID: reading.WeatherID,
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
