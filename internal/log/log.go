// Package log holds the application-wide structured logger.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// UserField is the log field name of the acting user id
	UserField = "userId"
	// WorkspaceField is the log field name of a workspace id
	WorkspaceField = "workspaceId"
	// RequestField is the log field name of the request id
	RequestField = "requestId"
)

// ServiceContext identifies the emitting service in every log line.
type ServiceContext struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Log is the application wide console logger
var Log = logrus.WithFields(logrus.Fields{})

// Init configures the application-wide logger.
func Init(service, version, level string, json bool) {
	Log = logrus.WithFields(logrus.Fields{
		"serviceContext": ServiceContext{service, version},
	})

	if json {
		Log.Logger.SetFormatter(&errorFormatter{
			logrus.JSONFormatter{
				FieldMap: logrus.FieldMap{
					logrus.FieldKeyMsg: "message",
				},
			},
		})
	} else {
		Log.Logger.SetFormatter(&logrus.TextFormatter{})
	}

	if parsed, err := logrus.ParseLevel(level); err == nil {
		Log.Logger.SetLevel(parsed)
	}
}

// WithUser returns an entry scoped to a user and workspace.
func WithUser(userID, workspaceID string) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		UserField:      userID,
		WorkspaceField: workspaceID,
	})
}

// errorFormatter renders error fields as strings; encoding/json drops them otherwise.
type errorFormatter struct {
	logrus.JSONFormatter
}

func (f *errorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			entry.Data[k] = fmt.Sprintf("%+v", err)
		}
	}
	return f.JSONFormatter.Format(entry)
}
