package installer

import "github.com/cockroachdb/errors"

var (
	// ErrValidation marks failures found before the project is touched.
	ErrValidation = errors.New("validation failed")

	// ErrPackageInstall marks plugin Install or package-manager failures.
	ErrPackageInstall = errors.New("package installation failed")

	// ErrConfigure marks plugin Configure failures.
	ErrConfigure = errors.New("plugin configuration failed")

	// ErrHook marks pre/post install hook failures. They are reported as
	// warnings and never fail an install.
	ErrHook = errors.New("hook failed")

	// ErrRollback marks failures while undoing an install. They are logged
	// and never replace the original cause.
	ErrRollback = errors.New("rollback failed")

	// ErrTracker marks failures reading or writing the installed set.
	ErrTracker = errors.New("tracker update failed")
)
