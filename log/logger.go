package log

import (
	"os"
	"path/filepath"

	"github.com/clinsight/fhir-bridge/conf"
	"github.com/sirupsen/logrus"
)

var (
	API        logrus.FieldLogger
	Auth       logrus.FieldLogger
	CDS        logrus.FieldLogger
	Aggregator logrus.FieldLogger
	Request    logrus.FieldLogger
)

func init() {
	API = Logger(logrus.New(), conf.GetEnv("BRIDGE_ERROR_LOG"),
		"bridge", conf.GetEnv("ENVIRONMENT"))
	Auth = Logger(logrus.New(), conf.GetEnv("AUTH_LOG"),
		"bridge", conf.GetEnv("ENVIRONMENT"))
	CDS = Logger(logrus.New(), conf.GetEnv("BRIDGE_CDS_LOG"),
		"bridge", conf.GetEnv("ENVIRONMENT"))
	Aggregator = Logger(logrus.New(), conf.GetEnv("BRIDGE_AGG_LOG"),
		"bridge", conf.GetEnv("ENVIRONMENT"))
	Request = Logger(logrus.New(), conf.GetEnv("BRIDGE_REQUEST_LOG"),
		"bridge", conf.GetEnv("ENVIRONMENT"))
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.Formatter = &logrus.JSONFormatter{}

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment})
}
