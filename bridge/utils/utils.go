package utils

import (
	"strconv"

	"github.com/clinsight/fhir-bridge/conf"
)

// GetEnvInt looks up a conf variable and converts it to an int, falling back
// to defaultVal when unset or unparseable.
func GetEnvInt(varName string, defaultVal int) int {
	v := conf.GetEnv(varName)
	if v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultVal
}
