package errors

import "fmt"

// InvalidCommand returns an error for a command not legal in the current state.
func InvalidCommand(command, phase, stage string) *ForgeError {
	what := fmt.Sprintf("command %q is not valid in phase %s", command, phase)
	if stage != "" {
		what = fmt.Sprintf("command %q is not valid in %s[%s]", command, phase, stage)
	}
	return &ForgeError{
		Code: CodeInvalidCommand,
		What: what,
		Fix:  "Run 'forge status' to see the current workflow state",
	}
}

// SessionNotFound returns an error for an unknown session ID.
func SessionNotFound(id string) *ForgeError {
	return &ForgeError{
		Code: CodeSessionNotFound,
		What: fmt.Sprintf("session %s not found", id),
		Fix:  "Run 'forge sessions' to list known sessions",
	}
}

// SessionBusy returns an error when another process holds the session guard.
func SessionBusy(id, owner string) *ForgeError {
	return &ForgeError{
		Code: CodeSessionBusy,
		What: fmt.Sprintf("session %s is being driven by %s", id, owner),
		Fix:  "Wait for the other command to finish, or remove a stale guard.json",
	}
}

// Storage wraps an I/O failure persisting or reading session state.
func Storage(what string, cause error) *ForgeError {
	return &ForgeError{Code: CodeStorage, What: what, Cause: cause}
}

// Provider wraps a failure from an AI or approval provider.
func Provider(name, op string, cause error) *ForgeError {
	return &ForgeError{
		Code:  CodeProvider,
		What:  fmt.Sprintf("provider %s: %s failed", name, op),
		Cause: cause,
	}
}

// ProviderUnknown returns an error for an unregistered provider key.
func ProviderUnknown(key string) *ForgeError {
	return &ForgeError{
		Code: CodeProviderUnknown,
		What: fmt.Sprintf("unknown provider %q", key),
		Fix:  "Check workflow config provider keys against registered providers",
	}
}

// ConfigInvalid returns an error for a bad workflow configuration.
func ConfigInvalid(what string) *ForgeError {
	return &ForgeError{Code: CodeConfigInvalid, What: what}
}

// ContextInvalid returns an error for context that fails profile schema validation.
func ContextInvalid(what string) *ForgeError {
	return &ForgeError{Code: CodeContextInvalid, What: what}
}

// ProfileUnknown returns an error for an unregistered profile key.
func ProfileUnknown(key string) *ForgeError {
	return &ForgeError{
		Code: CodeProfileUnknown,
		What: fmt.Sprintf("unknown profile %q", key),
	}
}

// Internal returns an error for an invariant violation inside the engine.
func Internal(what string) *ForgeError {
	return &ForgeError{Code: CodeInternalInvariant, What: what}
}
