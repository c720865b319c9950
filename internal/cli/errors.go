package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amanthanvi/strongbox/internal/config"
	"github.com/amanthanvi/strongbox/internal/locator"
	"github.com/amanthanvi/strongbox/internal/provider"
	"github.com/amanthanvi/strongbox/internal/schema"
	"github.com/amanthanvi/strongbox/internal/storage"
)

const (
	ExitCodeSuccess         = 0
	ExitCodeGeneric         = 1
	ExitCodeUsage           = 2
	ExitCodeInvalidAddress  = 3
	ExitCodeAuthFailed      = 5
	ExitCodeIO              = 7
	ExitCodeWriteFailure    = 8
	ExitCodeMigrationFailed = 9
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, provider.ErrInvalidAddress), errors.Is(err, locator.ErrInvalidLocator):
		return asExitError(ExitCodeInvalidAddress, err)
	case errors.Is(err, storage.ErrAuthenticationFailure):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, provider.ErrWriteFailure):
		return asExitError(ExitCodeWriteFailure, err)
	case errors.Is(err, storage.ErrSchemaMigrationFailure):
		return asExitError(ExitCodeMigrationFailed, err)
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, schema.ErrInvalidTable),
		errors.Is(err, storage.ErrInvalidOptions):
		return asExitError(ExitCodeUsage, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
