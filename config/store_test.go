package config

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

type fakeConfigDatabase struct {
	values map[string]string
}

func (f *fakeConfigDatabase) ListConfigValues() (map[string]string, error) {
	snapshot := make(map[string]string, len(f.values))
	for key, value := range f.values {
		snapshot[key] = value
	}
	return snapshot, nil
}

func (f *fakeConfigDatabase) SetConfigValue(key, value string) error {
	f.values[key] = value
	return nil
}

func TestDefaultsAppliedWhenTableEmpty(t *testing.T) {
	store := NewStore(&fakeConfigDatabase{values: map[string]string{}})

	assert.Equal(t, store.DefaultTimeoutMinutes(), defaultTimeoutMinutes)
	assert.Equal(t, store.DefaultMaxRenewals(), defaultMaxRenewals)
	assert.Equal(t, store.DefaultMemory(), defaultMemory)
	assert.Equal(t, store.DefaultCPU(), defaultCPU)
	assert.Equal(t, store.DefaultPidsLimit(), int64(defaultPidsLimit))
	assert.Equal(t, store.SweepInterval(), time.Duration(defaultSweepIntervalSeconds)*time.Second)
	assert.Equal(t, store.RateLimitPerMinute(), defaultRateLimitPerMinute)
	assert.Equal(t, store.BanFlagOwnerOnReuse(), defaultBanFlagOwnerOnReuse)
}

func TestStoredValuesOverrideDefaults(t *testing.T) {
	store := NewStore(&fakeConfigDatabase{values: map[string]string{
		keyDefaultTimeoutMinutes: "90",
		keyDefaultMaxRenewals:    "5",
		keyBanFlagOwnerOnReuse:   "false",
	}})

	assert.Equal(t, store.DefaultTimeoutMinutes(), 90)
	assert.Equal(t, store.DefaultMaxRenewals(), 5)
	assert.Equal(t, store.BanFlagOwnerOnReuse(), false)
}

func TestMalformedStoredValueFallsBackToDefault(t *testing.T) {
	store := NewStore(&fakeConfigDatabase{values: map[string]string{
		keyDefaultTimeoutMinutes: "not-a-number",
	}})

	assert.Equal(t, store.DefaultTimeoutMinutes(), defaultTimeoutMinutes)
}

func TestSetWritesThroughAndIsVisibleImmediately(t *testing.T) {
	database := &fakeConfigDatabase{values: map[string]string{}}
	store := NewStore(database)

	assert.NilError(t, store.Set(keyDefaultMaxRenewals, "7"))
	assert.Equal(t, store.DefaultMaxRenewals(), 7)
	assert.Equal(t, database.values[keyDefaultMaxRenewals], "7")
}

func TestAllReturnsSnapshotNotLiveMap(t *testing.T) {
	store := NewStore(&fakeConfigDatabase{values: map[string]string{"a": "1"}})

	snapshot := store.All()
	snapshot["a"] = "mutated"

	assert.Equal(t, store.All()["a"], "1")
}
