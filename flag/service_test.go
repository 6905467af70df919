package flag

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func testService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService([32]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.NilError(t, err)
	return service
}

func TestMintProducesPrefixSuffixAndLength(t *testing.T) {
	service := testService(t)

	mintedFlag, err := service.Mint("ctf{", "}", 20, "", "")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(mintedFlag, "ctf{"))
	assert.Assert(t, strings.HasSuffix(mintedFlag, "}"))
	assert.Equal(t, len(mintedFlag), len("ctf{")+20+len("}"))
}

func TestMintBodyIsAlphanumericAndVaries(t *testing.T) {
	service := testService(t)

	first, err := service.Mint("", "", 32, "", "")
	assert.NilError(t, err)
	second, err := service.Mint("", "", 32, "", "")
	assert.NilError(t, err)

	assert.Assert(t, first != second)
	for _, r := range first {
		assert.Assert(t, strings.ContainsRune(alphabet, r))
	}
}

func TestMintWithoutAccountIDOmitsFingerprint(t *testing.T) {
	service := testService(t)

	mintedFlag, err := service.Mint("ctf{", "}", 10, "", "chal-1")
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(mintedFlag, "_"))
}

func TestMintEmbedsStableFingerprintPerAccountAndChallenge(t *testing.T) {
	service := testService(t)

	first, err := service.Mint("ctf{", "}", 10, "account-1", "chal-1")
	assert.NilError(t, err)
	second, err := service.Mint("ctf{", "}", 10, "account-1", "chal-1")
	assert.NilError(t, err)

	fingerprintOf := func(mintedFlag string) string {
		trimmed := strings.TrimSuffix(strings.TrimPrefix(mintedFlag, "ctf{"), "}")
		parts := strings.SplitN(trimmed, "_", 2)
		assert.Equal(t, len(parts), 2)
		return parts[1]
	}

	assert.Equal(t, fingerprintOf(first), fingerprintOf(second))
	assert.Equal(t, len(fingerprintOf(first)), 8)

	other, err := service.Mint("ctf{", "}", 10, "account-2", "chal-1")
	assert.NilError(t, err)
	assert.Assert(t, fingerprintOf(first) != fingerprintOf(other))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	service := testService(t)

	encrypted, err := service.Encrypt("ctf{round-trip}")
	assert.NilError(t, err)
	assert.Assert(t, encrypted != "ctf{round-trip}")

	decrypted, err := service.Decrypt(encrypted)
	assert.NilError(t, err)
	assert.Equal(t, decrypted, "ctf{round-trip}")
}

func TestEncryptIsNondeterministic(t *testing.T) {
	service := testService(t)

	first, err := service.Encrypt("same plaintext")
	assert.NilError(t, err)
	second, err := service.Encrypt("same plaintext")
	assert.NilError(t, err)

	assert.Assert(t, first != second, "two encryptions of the same plaintext must use different nonces")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	service := testService(t)

	encrypted, err := service.Encrypt("ctf{tamper}")
	assert.NilError(t, err)

	tampered := encrypted[:len(encrypted)-2] + "00"
	_, err = service.Decrypt(tampered)
	assert.Assert(t, err != nil)
}

func TestHashIsDeterministicAndDistinguishesInput(t *testing.T) {
	service := testService(t)

	assert.Equal(t, service.Hash("ctf{a}"), service.Hash("ctf{a}"))
	assert.Assert(t, service.Hash("ctf{a}") != service.Hash("ctf{b}"))
}

func TestRecordForInstanceDefaultsToTemporary(t *testing.T) {
	record := RecordForInstance("instance-1", "chal-1", "account-1", "hash-1")
	assert.Equal(t, record.InstanceUUID, "instance-1")
	assert.Equal(t, record.FlagHash, "hash-1")
	assert.Equal(t, string(record.Status), "temporary")
}
