package validator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

func TestValidateAddressPath(t *testing.T) {
	if err := ValidateAddressPath(hdpath.MakeCardanoBIP44Path(0, 1, 3)); err != nil {
		t.Fatalf("address path should be valid: %v", err)
	}

	short := hdpath.MakeCardanoAccountBIP44Path(0)
	assertPathCode(t, ValidateAddressPath(short), PathTooShort)

	notHardened := hdpath.Path{44, hdpath.Hardened + 1815, hdpath.Hardened, 0, 0}
	assertPathCode(t, ValidateAddressPath(notHardened), PathNotHardened)

	badChain := hdpath.MakeCardanoBIP44Path(0, 2, 0)
	assertPathCode(t, ValidateAddressPath(badChain), PathNotHardened)

	long := append(hdpath.MakeCardanoBIP44Path(0, 0, 0), 1, 2, 3, 4, 5, 6)
	assertPathCode(t, ValidateAddressPath(long), PathTooLong)
}

func TestValidateAccountPath(t *testing.T) {
	if err := ValidateAccountPath(hdpath.MakeCardanoAccountBIP44Path(3)); err != nil {
		t.Fatalf("account path should be valid: %v", err)
	}
	assertPathCode(t, ValidateAccountPath(hdpath.Path{hdpath.Hardened + 44}), PathTooShort)
}

func TestFromDecodeError(t *testing.T) {
	var path hdpath.Path
	err := FromDecodeError(json.Unmarshal([]byte(`[1,"a"]`), &path))
	assertPathCode(t, err, PathNotNumeric)
	if err.Error() != "5003 - Some of the indexes is not a number" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	plain := errors.New("other")
	if FromDecodeError(plain) != plain {
		t.Fatal("unrelated errors must pass through")
	}
}

func assertPathCode(t *testing.T, err error, want PathErrorCode) {
	t.Helper()
	var pathErr *PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected PathError, got %v", err)
	}
	if pathErr.Code != want {
		t.Fatalf("code=%d, want %d", pathErr.Code, want)
	}
}
