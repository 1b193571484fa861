package conf

/*
   Package conf wraps viper for the FHIR bridge. Configuration comes from an
   env-format file when one is present and falls back to the process
   environment otherwise.

   Assumptions:
   1. The configuration file is an env file.
   2. Once loaded, configuration stays immutable for the uptime of the
   application (exception is test).
*/

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through the public functions GetEnv, SetEnv, etc.
var envVars viper.Viper

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, do the read and parse of the config file
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}

	return v
}

func init() {
	// Possible config file locations: local development and deployed
	// environments respectively.
	var locations = []string{
		"/go/src/github.com/clinsight/fhir-bridge/shared_files/decrypted",
		"/etc/fhir-bridge",
	}

	if success, loc := findEnv(locations); success {
		envVars = *setup(loc)
	} else {
		state = noconfigfound
	}
}

// findEnv probes the candidate locations in order for a local.env file.
func findEnv(location []string) (bool, string) {
	if _, err := os.Stat(location[0] + "/local.env"); err == nil {
		return true, location[0]
	}

	if len(location) == 1 {
		return false, ""
	}

	return findEnv(location[1:])
}

// GetEnv retrieves the value stored in conf. If it does not exist, an empty
// string is returned.
func GetEnv(key string) string {
	if state == configgood {
		var value = envVars.GetString(key)

		// Even with a good config file, a key missing from conf may still be
		// present in the environment. Copy it over to conf to prevent
		// additional OS calls.
		if value == "" {
			if v, ok := os.LookupEnv(key); ok {
				value = v
				test := &testing.T{}
				_ = SetEnv(test, key, v)
			}
		}

		return value
	}

	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}

		if v, exist := os.LookupEnv(key); exist {
			test := &testing.T{}
			_ = SetEnv(test, key, v)
			return v, exist
		}

		return "", false
	}

	return os.LookupEnv(key)
}

// SetEnv adds a key value pair to conf. This function should only be used
// either in this package itself or in tests. The protect parameter is of type
// *testing.T to ensure developers knowingly use it in the appropriate scope.
func SetEnv(protect *testing.T, key string, value string) error {
	var err error

	if state == configgood {
		envVars.Set(key, value)
	} else {
		err = os.Setenv(key, value)
	}

	return err
}

// UnsetEnv "unsets" a variable. Like SetEnv, only for use in this package and
// in tests.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}

	// The variable may have been copied from the environment by GetEnv, so
	// unset it there too.
	return os.Unsetenv(key)
}

// Checkout populates the provided data structure from conf. Struct fields are
// resolved by field name, or by the `conf` tag when one is present (a tag of
// "-" skips the field); only string and int fields are filled. A slice of
// strings is filled in place, each element treated as a key and replaced with
// its value. Structs must be passed by reference, slices by value.
func Checkout(v interface{}) error {
	value := reflect.ValueOf(v)

	switch value.Kind() {
	case reflect.Ptr:
		elem := value.Elem()
		if elem.Kind() != reflect.Struct {
			return errors.New("a pointer must point to a struct")
		}
		checkoutStruct(elem)
		return nil
	case reflect.Slice:
		if value.Type().Elem().Kind() != reflect.String {
			return errors.New("only a slice of strings is supported")
		}
		for i := 0; i < value.Len(); i++ {
			value.Index(i).SetString(GetEnv(value.Index(i).String()))
		}
		return nil
	default:
		return errors.New("unsupported type: must be a struct pointer or a string slice")
	}
}

func checkoutStruct(elem reflect.Value) {
	t := elem.Type()
	for i := 0; i < elem.NumField(); i++ {
		field, fieldType := elem.Field(i), t.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			checkoutStruct(field)
			continue
		}

		key := fieldType.Name
		if tag, ok := fieldType.Tag.Lookup("conf"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" && !strings.HasPrefix(tag, ",") {
				key = strings.SplitN(tag, ",", 2)[0]
			}
		}

		val, found := LookupEnv(key)
		if !found {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(val)
		case reflect.Int:
			if n, err := strconv.Atoi(val); err == nil {
				field.SetInt(int64(n))
			}
		}
	}
}
