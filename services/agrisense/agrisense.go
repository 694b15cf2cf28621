package main

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/kss"
	"github.com/agrisense-io/agrisense/core/logger"
	"github.com/agrisense-io/agrisense/devices"
	"github.com/agrisense-io/agrisense/events"
	"github.com/agrisense-io/agrisense/mobile"
	"github.com/agrisense-io/agrisense/qgis"
	"github.com/agrisense-io/agrisense/users"
	"github.com/agrisense-io/agrisense/weather"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password to the Postgres DB"`
	Schema           string `env:"SCHEMA,default=agrisense" description:"the database schema to use"`
	JwtSecret        string `env:"JWT_SECRET,required" description:"HMAC secret for session tokens"`
	Port             string `env:"PORT,default=3000" description:"the port to listen on"`
	AdminUsername    string `env:"ADMIN_USERNAME,default=" description:"bootstrap superuser name, created at startup if set"`
	AdminPassword    string `env:"ADMIN_PASSWORD,default=" description:"bootstrap superuser password"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,default=" description:"comma separated kafka brokers for resource events, events are dropped if unset"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=agrisense-events" description:"kafka topic for resource events"`
	ImageStore       string `env:"IMAGE_STORE,default=Local" description:"image blob storage driver: Local or AWSS3"`
	ImageBasePath    string `env:"IMAGE_BASE_PATH,default=/var/lib/agrisense/images" description:"base path for local image storage"`
	S3Region         string `env:"AWS_REGION,default=eu-central-1" description:"S3 region for image storage"`
	S3Bucket         string `env:"AWS_BUCKET_NAME,default=" description:"S3 bucket for image storage"`
	S3AccessID       string `env:"AWS_ACCESS_ID,default=" description:"S3 access id"`
	S3AccessKey      string `env:"AWS_ACCESS_KEY,default=" description:"S3 access key"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	var blobs kss.Driver
	var err error
	switch kss.DriverType(service.ImageStore) {
	case kss.DriverTypeLocal:
		blobs, err = kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: service.ImageBasePath})
	case kss.DriverTypeAWSS3:
		blobs, err = kss.NewS3(kss.S3Configuration{
			AWSRegion:     service.S3Region,
			AWSBucketName: service.S3Bucket,
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
			KeyPrefix:     service.Schema + "/",
		})
	default:
		panic("unknown image store driver " + service.ImageStore)
	}
	if err != nil {
		panic(err)
	}

	var publisher events.Publisher = events.NullPublisher{}
	if len(service.KafkaBrokers) > 0 {
		kafkaPublisher := events.MustNewKafkaPublisher(&events.KafkaPublisherBuilder{
			Brokers: service.KafkaBrokers,
			Topic:   service.KafkaTopic,
		})
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	issuer := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: service.JwtSecret})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewAPIKeyMiddleware(&access.APIKeyMiddlewareBuilder{DB: db}))
	router.Use(access.NewJwtMiddleware(issuer))

	usersAPI := users.MustNewAPI(&users.Builder{
		DB:     db,
		Router: router,
		Issuer: issuer,
	})
	devicesAPI := devices.MustNewAPI(&devices.Builder{
		DB:        db,
		Router:    router,
		Blobs:     blobs,
		Publisher: publisher,
	})
	mobile.MustNewAPI(&mobile.Builder{
		DB:        db,
		Router:    router,
		Checker:   devicesAPI.Checker(),
		Publisher: publisher,
	})
	qgis.MustNewAPI(&qgis.Builder{
		DB:        db,
		Router:    router,
		Checker:   devicesAPI.Checker(),
		Publisher: publisher,
	})
	weather.MustNewAPI(&weather.Builder{
		DB:        db,
		Router:    router,
		Checker:   devicesAPI.Checker(),
		Devices:   devicesAPI.Store(),
		Publisher: publisher,
	})

	if len(service.AdminUsername) > 0 && len(service.AdminPassword) > 0 {
		admin, err := usersAPI.Store().EnsureSuperuser(context.Background(), service.AdminUsername, service.AdminPassword)
		if err != nil {
			panic(err)
		}
		logger.Default().Infoln("superuser", admin.Username, "available")
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Api-Key"}),
	)

	logger.Default().Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, cors(router)); err != nil {
		logger.Default().WithError(err).Fatalln("server terminated")
	}
}
