// Command storage-init provisions the tasks table, the events queue and the
// Postgres schema for whichever backends are configured.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/joeshaw/envdecode"
	log "github.com/sirupsen/logrus"

	"prism-tasks/storage"
)

type settings struct {
	Debug          bool   `env:"DEBUG,default=false"`
	StorageConnStr string `env:"STORAGE_CONNECTION_STRING"`
	TasksTable     string `env:"TASKS_TABLE,default=tasks"`
	EventsQueue    string `env:"EVENTS_QUEUE"`
	PostgresDSN    string `env:"POSTGRES_DSN"`
}

func main() {
	var s settings
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		log.Fatalf("decode environment: %v", err)
	}
	if s.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if s.StorageConnStr == "" && s.PostgresDSN == "" {
		log.Fatal("set STORAGE_CONNECTION_STRING or POSTGRES_DSN")
	}
	log.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if s.StorageConnStr != "" {
		if err := createTable(ctx, s.StorageConnStr, s.TasksTable); err != nil {
			log.Fatalf("create table %s: %v", s.TasksTable, err)
		}
		if s.EventsQueue != "" {
			if err := createQueue(ctx, s.StorageConnStr, s.EventsQueue); err != nil {
				log.Fatalf("create queue %s: %v", s.EventsQueue, err)
			}
		}
	}

	if s.PostgresDSN != "" {
		pg, err := storage.OpenPostgres(ctx, s.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pg.Close()
		if err := storage.Migrate(pg.DB()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		if !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table already exists")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		if !hasErrorCode(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue already exists")
	}
	return nil
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
