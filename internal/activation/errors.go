package activation

import (
	"fmt"

	xerrors "ExtensionHost/internal/errors"
)

const (
	CodeUnknownExtension  xerrors.Code = "UNKNOWN_EXTENSION"
	CodeUnknownDependency xerrors.Code = "UNKNOWN_DEPENDENCY"
	CodeDependencyFailed  xerrors.Code = "DEPENDENCY_FAILED"
	CodeDependencyLoop    xerrors.Code = "DEPENDENCY_LOOP"
	CodeModuleLoad        xerrors.Code = "MODULE_LOAD_FAILED"
	CodeActivation        xerrors.Code = "ACTIVATION_FAILED"
	CodeCapabilityDenied  xerrors.Code = "CAPABILITY_DENIED"
	CodeHostClosed        xerrors.Code = "HOST_CLOSED"
)

func init() {
	xerrors.Register(CodeUnknownExtension, xerrors.Attributes{
		Message:  "unknown extension",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnknownDependency, xerrors.Attributes{
		Message:  "unknown dependency",
		Severity: xerrors.SeverityError,
	})
	xerrors.Register(CodeDependencyFailed, xerrors.Attributes{
		Message:  "dependency failed to activate",
		Severity: xerrors.SeverityError,
	})
	xerrors.Register(CodeDependencyLoop, xerrors.Attributes{
		Message:  "dependency loop",
		Severity: xerrors.SeverityError,
	})
	xerrors.Register(CodeModuleLoad, xerrors.Attributes{
		Message:  "extension module could not be loaded",
		Severity: xerrors.SeverityError,
	})
	xerrors.Register(CodeActivation, xerrors.Attributes{
		Message:  "extension activation failed",
		Severity: xerrors.SeverityError,
	})
	xerrors.Register(CodeCapabilityDenied, xerrors.Attributes{
		Message:  "extension capability denied",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeHostClosed, xerrors.Attributes{
		Message:  "extension host is shut down",
		Severity: xerrors.SeverityInfo,
	})
}

// ErrUnknownExtension 用于 errors.Is 判断。
var ErrUnknownExtension = xerrors.New(CodeUnknownExtension, "")

func unknownExtension(id string) error {
	return xerrors.New(CodeUnknownExtension, fmt.Sprintf("unknown extension `%s`", id),
		xerrors.WithMetadata("extension_id", id))
}

func unknownDependency(id, dep string) error {
	return xerrors.New(CodeUnknownDependency,
		fmt.Sprintf("extension `%s` failed to activate: unknown dependency `%s`", id, dep),
		xerrors.WithMetadata("extension_id", id),
		xerrors.WithMetadata("dependency_id", dep))
}

func dependencyFailed(id, dep string) error {
	return xerrors.New(CodeDependencyFailed,
		fmt.Sprintf("extension `%s` failed to activate: dependency `%s` failed to activate", id, dep),
		xerrors.WithMetadata("extension_id", id),
		xerrors.WithMetadata("dependency_id", dep))
}

func dependencyLoop(id string, depth int) error {
	return xerrors.New(CodeDependencyLoop,
		fmt.Sprintf("extension `%s` failed to activate: more than %d levels of dependencies (most likely a dependency loop)", id, depth),
		xerrors.WithMetadata("extension_id", id))
}

func moduleLoadFailed(id string, cause error) error {
	return xerrors.Wrap(CodeModuleLoad, cause, fmt.Sprintf("loading extension `%s` failed", id),
		xerrors.WithMetadata("extension_id", id))
}

func activationFailed(id string, cause error) error {
	return xerrors.Wrap(CodeActivation, cause, fmt.Sprintf("activating extension `%s` failed", id),
		xerrors.WithMetadata("extension_id", id))
}

func capabilityDenied(id string, cause error) error {
	return xerrors.Wrap(CodeCapabilityDenied, cause, fmt.Sprintf("extension `%s` is not allowed to activate", id),
		xerrors.WithMetadata("extension_id", id))
}
