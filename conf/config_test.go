package conf

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"Query an existing variable", "TEST_EXISTING", "populated"},
		{"Query a non-existing variable", "TEST_DOESNOTEXIST", ""},
	}

	_ = SetEnv(t, "TEST_EXISTING", "populated")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetEnv(tt.key))
		})
	}
}

func TestGetEnvFallsBackToEnvironment(t *testing.T) {
	os.Setenv("TEST_EVONLY_GET", "from-environment")
	defer os.Unsetenv("TEST_EVONLY_GET")

	assert.Equal(t, "from-environment", GetEnv("TEST_EVONLY_GET"))
}

func TestLookupEnv(t *testing.T) {
	_ = SetEnv(t, "TEST_PRESENT", "here")

	got, ok := LookupEnv("TEST_PRESENT")
	assert.True(t, ok)
	assert.Equal(t, "here", got)

	got, ok = LookupEnv("TEST_NEVERSET")
	assert.False(t, ok)
	assert.Equal(t, "", got)
}

func TestSetUnsetEnv(t *testing.T) {
	assert.Nil(t, SetEnv(t, "TEST_CHANGE", "before"))
	assert.Equal(t, "before", GetEnv("TEST_CHANGE"))

	assert.Nil(t, UnsetEnv(t, "TEST_CHANGE"))
	assert.Equal(t, "", GetEnv("TEST_CHANGE"))
}

type InnerConfig struct {
	InnerValue string
	TEST_NUM   string
}

type outerConfig struct {
	TEST_LIST  string
	Tagged     string `conf:"TEST_LIST"`
	Skipped    string `conf:"-"`
	TestValue1 int
	InnerConfig
	Retries int `conf:"TEST_RETRIES"`
}

func TestCheckout(t *testing.T) {
	_ = SetEnv(t, "TEST_LIST", "One,Two,Three,Four")
	_ = SetEnv(t, "TEST_NUM", "1234")
	_ = SetEnv(t, "TEST_RETRIES", "3")

	t.Run("Traversing the nested struct", func(t *testing.T) {
		testStruct := outerConfig{}
		// A copy of a struct must be rejected
		assert.NotNil(t, Checkout(testStruct))

		assert.Nil(t, Checkout(&testStruct))
		assert.Equal(t, "One,Two,Three,Four", testStruct.TEST_LIST)
		assert.Equal(t, "One,Two,Three,Four", testStruct.Tagged)
		assert.Equal(t, "", testStruct.Skipped)
		assert.Equal(t, 0, testStruct.TestValue1)
		assert.Equal(t, "", testStruct.InnerValue)
		assert.Equal(t, "1234", testStruct.TEST_NUM)
		assert.Equal(t, 3, testStruct.Retries)
	})

	t.Run("Traversing a slice of strings", func(t *testing.T) {
		testSlice := []string{"TEST_UNSET", "TEST_LIST"}
		// A reference to a slice must be rejected, a slice is already a pointer
		assert.NotNil(t, Checkout(&testSlice))

		assert.Nil(t, Checkout(testSlice))
		assert.Equal(t, "", testSlice[0])
		assert.Equal(t, "One,Two,Three,Four", testSlice[1])
	})
}
