package devices

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/logger"
)

// uploads are read fully into memory, cap the request size
const maxImageUploadSize = 32 << 20

// Image is the stored metadata of a device image. The binary content
// lives in the blob store under Key.
type Image struct {
	ImageID     uuid.UUID `json:"image_id"`
	DeviceID    uuid.UUID `json:"device_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`

	key string
}

type imageStore struct {
	db *csql.DB

	insertQuery string
	readQuery   string
	listQuery   string
	deleteQuery string
}

func mustNewImageStore(db *csql.DB) *imageStore {
	schema := db.Schema
	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.image (
image_id uuid NOT NULL PRIMARY KEY,
device_id uuid NOT NULL REFERENCES %s.device(device_id) ON DELETE CASCADE,
filename varchar NOT NULL DEFAULT '',
content_type varchar NOT NULL DEFAULT '',
size integer NOT NULL DEFAULT 0,
key varchar NOT NULL,
created_at timestamp NOT NULL DEFAULT now()
);`, schema, schema)
	if _, err := db.Exec(createQuery); err != nil {
		panic(err)
	}
	columns := "image_id, device_id, filename, content_type, size, key, created_at"
	return &imageStore{
		db: db,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.image (image_id, device_id, filename, content_type, size, key)
VALUES($1,$2,$3,$4,$5,$6) RETURNING created_at;`, schema),
		readQuery:   fmt.Sprintf(`SELECT %s FROM %s.image WHERE device_id=$1 AND image_id=$2;`, columns, schema),
		listQuery:   fmt.Sprintf(`SELECT %s FROM %s.image WHERE device_id=$1 ORDER BY created_at;`, columns, schema),
		deleteQuery: fmt.Sprintf(`DELETE FROM %s.image WHERE device_id=$1 AND image_id=$2 RETURNING key;`, schema),
	}
}

func imageKeyPrefix(deviceID uuid.UUID) string {
	return "images/" + deviceID.String()
}

func scanImage(row interface{ Scan(...interface{}) error }) (Image, error) {
	var img Image
	err := row.Scan(&img.ImageID, &img.DeviceID, &img.Filename, &img.ContentType, &img.Size, &img.key, &img.CreatedAt)
	return img, err
}

// insertAll inserts all image rows in one transaction
func (s *imageStore) insertAll(ctx context.Context, images []Image) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for i := range images {
		img := &images[i]
		err = tx.QueryRowContext(ctx, s.insertQuery,
			img.ImageID, img.DeviceID, img.Filename, img.ContentType, img.Size, img.key).
			Scan(&img.CreatedAt)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("cannot store image metadata: %w", err)
		}
	}
	return tx.Commit()
}

func (s *imageStore) get(ctx context.Context, deviceID, imageID uuid.UUID) (Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx, s.readQuery, deviceID, imageID))
	if err == sql.ErrNoRows {
		return Image{}, errs.NotFound("no such image")
	}
	if err != nil {
		return Image{}, fmt.Errorf("cannot read image: %w", err)
	}
	return img, nil
}

func (s *imageStore) list(ctx context.Context, deviceID uuid.UUID) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, s.listQuery, deviceID)
	if err != nil {
		return nil, fmt.Errorf("cannot list images: %w", err)
	}
	defer rows.Close()
	response := []Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		response = append(response, img)
	}
	return response, rows.Err()
}

// delete removes the row and returns the blob key for cleanup
func (s *imageStore) delete(ctx context.Context, deviceID, imageID uuid.UUID) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, s.deleteQuery, deviceID, imageID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", errs.NotFound("no such image")
	}
	if err != nil {
		return "", fmt.Errorf("cannot delete image: %w", err)
	}
	return key, nil
}

func (a *API) addImageRoutes(router *mux.Router) {
	router.HandleFunc("/devices/{device_id}/images", a.uploadImages).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/images", a.listImages).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/images/{image_id}", a.downloadImage).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/images/{image_id}", a.deleteImage).Methods(http.MethodDelete)
}

// uploadImages accepts a multipart form with one or more files in the
// "images" field. The upload is all or nothing: if any part cannot be
// stored, no metadata row and no blob survives.
func (a *API) uploadImages(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageUploadSize)
	if err := r.ParseMultipartForm(maxImageUploadSize); err != nil {
		errs.WriteError(w, errs.Validation("cannot parse multipart form"))
		return
	}
	parts := r.MultipartForm.File["images"]
	if len(parts) == 0 {
		errs.WriteError(w, errs.Validation("no images in request"))
		return
	}

	images := make([]Image, 0, len(parts))
	contents := make([][]byte, 0, len(parts))
	for _, part := range parts {
		file, err := part.Open()
		if err != nil {
			errs.WriteError(w, errs.Validation("cannot read upload %s", part.Filename))
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			errs.WriteError(w, errs.Validation("cannot read upload %s", part.Filename))
			return
		}
		imageID := uuid.New()
		images = append(images, Image{
			ImageID:     imageID,
			DeviceID:    id,
			Filename:    part.Filename,
			ContentType: part.Header.Get("Content-Type"),
			Size:        len(data),
			key:         imageKeyPrefix(id) + "/" + imageID.String(),
		})
		contents = append(contents, data)
	}

	if err := a.images.insertAll(r.Context(), images); err != nil {
		errs.WriteError(w, err)
		return
	}
	stored := []string{}
	for i := range images {
		if err := a.blobs.Put(r.Context(), images[i].key, contents[i]); err != nil {
			// roll everything back, blobs first
			for _, key := range stored {
				a.blobs.Delete(context.Background(), key)
			}
			for j := range images {
				a.images.delete(context.Background(), id, images[j].ImageID)
			}
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot store image content")
			errs.WriteError(w, errs.Internal("cannot store image content"))
			return
		}
		stored = append(stored, images[i].key)
	}

	logger.FromContext(r.Context()).Infoln("stored", len(images), "images for device", id)
	core.WriteJSON(w, http.StatusCreated, images)
}

func (a *API) listImages(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	response, err := a.images.list(r.Context(), id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, response)
}

func (a *API) downloadImage(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	imageID, err := uuid.Parse(mux.Vars(r)["image_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid image id"))
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	img, err := a.images.get(r.Context(), id, imageID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	data, err := a.blobs.Get(r.Context(), img.key)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot read image content", img.key)
		errs.WriteError(w, errs.Internal("cannot read image content"))
		return
	}
	if img.ContentType != "" {
		w.Header().Set("Content-Type", img.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) deleteImage(w http.ResponseWriter, r *http.Request) {
	auth := access.SessionAuthorization(r.Context())
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	imageID, err := uuid.Parse(mux.Vars(r)["image_id"])
	if err != nil {
		errs.WriteError(w, errs.Validation("invalid image id"))
		return
	}
	if err := a.checker.Authorize(r.Context(), auth, id, core.DeviceTypeAny); err != nil {
		errs.WriteError(w, err)
		return
	}
	key, err := a.images.delete(r.Context(), id, imageID)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if err := a.blobs.Delete(r.Context(), key); err != nil {
		logger.FromContext(r.Context()).WithError(err).Warningln("cannot delete image content", key)
	}
	w.WriteHeader(http.StatusNoContent)
}
