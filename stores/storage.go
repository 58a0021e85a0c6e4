package stores

import (
	"collabdocs-server/core"
	"collabdocs-server/stores/dynamodb"
	"collabdocs-server/stores/filesystem"
	"collabdocs-server/stores/memory"
	"collabdocs-server/stores/s3"
	"collabdocs-server/stores/sqlite"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// GetStore picks the document store named by STORAGE_TYPE. Unknown or empty
// values fall back to the in-memory store.
func GetStore() core.DocumentStore {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.DocumentStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := getenv("LOCAL_STORAGE_PATH", "./data")
		storageField["basePath"] = basePath
		store = filesystem.NewDocumentStore(basePath)
	case "sqlite":
		dataSourceName := getenv("DATA_SOURCE_NAME", "collabdocs.db")
		maxRevisions := sqlite.DefaultMaxRevisions
		if v := os.Getenv("MAX_REVISIONS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				logrus.WithField("value", v).Fatal("MAX_REVISIONS must be a positive integer")
			}
			maxRevisions = n
		}
		storageField["dataSourceName"] = dataSourceName
		storageField["maxRevisions"] = maxRevisions
		store = sqlite.NewDocumentStore(dataSourceName, sqlite.WithMaxRevisions(maxRevisions))
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		prefix := getenv("S3_PREFIX", "documents/")
		storageField["bucketName"] = bucketName
		storageField["prefix"] = prefix
		store = s3.NewDocumentStore(bucketName, prefix)
	case "dynamodb":
		tableName := os.Getenv("DYNAMODB_TABLE")
		if tableName == "" {
			logrus.Fatal("DYNAMODB_TABLE environment variable must be set for dynamodb storage type")
		}
		storageField["tableName"] = tableName
		store = dynamodb.NewDocumentStore(tableName)
	default:
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
