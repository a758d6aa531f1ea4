package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/vinayprograms/agentwatch/errors"
)

// ErrInsecurePermissions is returned when a token file is readable by
// anyone but its owner.
var ErrInsecurePermissions = stderrors.New("token file has insecure permissions")

// LoadToken reads a bearer token from path. On Unix the file must be
// mode 0400.
func LoadToken(path string) (string, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return "", errors.InvalidConfig("reading token file", errors.WithCause(err))
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return "", errors.InvalidConfig(fmt.Sprintf("%s has mode %04o (must be 0400)", path, mode),
				errors.WithCause(ErrInsecurePermissions))
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.InvalidConfig("reading token file", errors.WithCause(err))
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.InvalidConfig(path + " is empty")
	}
	return token, nil
}
