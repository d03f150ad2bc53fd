// Package mudlib names the well-known capability methods the driver
// consults on the Master and Login Daemon objects (C12), and wraps each as
// a typed helper over the registry's capability-set Object interface so the
// orchestrator never has to remember a raw method-name string.
package mudlib

import (
	"encoding/json"
	"fmt"

	"github.com/jasona/mudforge-sub002/internal/registry"
)

// Well-known capability method names, invoked via registry.Object.Call.
const (
	MethodOnDriverStart  = "onDriverStart"
	MethodPreloadList    = "preloadList"
	MethodOnShutdown     = "onShutdown"
	MethodOnRuntimeError = "onRuntimeError"
	MethodHandleAuth     = "handleAuth"
)

// AuthRequest mirrors the [AUTH_REQ] OOB payload
type AuthRequest struct {
	Type            string `json:"type"`
	Name            string `json:"name,omitempty"`
	Password        string `json:"password,omitempty"`
	ConfirmPassword string `json:"confirmPassword,omitempty"`
	Email           string `json:"email,omitempty"`
	Gender          string `json:"gender,omitempty"`
}

// AuthResult is what the login daemon's handleAuth capability returns.
type AuthResult struct {
	Success bool   `json:"success"`
	Player  string `json:"player,omitempty"`
	Message string `json:"message,omitempty"`
}

// CallOnDriverStart invokes Master's onDriverStart if present. Absence is
// not an error — the Master object is not required to implement it.
func CallOnDriverStart(master registry.Object) error {
	_, _, err := master.Call(MethodOnDriverStart)
	return err
}

// PreloadList asks Master for the list of blueprint paths to preload at
// startup. A Master without this capability preloads nothing.
func PreloadList(master registry.Object) ([]string, error) {
	result, ok, err := master.Call(MethodPreloadList)
	if err != nil {
		return nil, err
	}
	if !ok || result == nil {
		return nil, nil
	}
	return toStringSlice(result)
}

// CallOnShutdown invokes Master's onShutdown if present, first in the
// shutdown sequence
func CallOnShutdown(master registry.Object) error {
	_, _, err := master.Call(MethodOnShutdown)
	return err
}

// CallOnRuntimeError offers a raised error to Master's onRuntimeError hook.
// Errors raised by the hook itself are swallowed error
// containment policy — the hook must never cause a second failure.
func CallOnRuntimeError(master registry.Object, cause error) {
	if master == nil {
		return
	}
	defer func() { _ = recover() }()
	_, _, _ = master.Call(MethodOnRuntimeError, cause.Error())
}

// HandleAuth forwards an auth request to the login daemon's handleAuth
// capability and decodes its response.
func HandleAuth(loginDaemon registry.Object, req AuthRequest) (AuthResult, error) {
	result, ok, err := loginDaemon.Call(MethodHandleAuth, req)
	if err != nil {
		return AuthResult{}, err
	}
	if !ok || result == nil {
		return AuthResult{Success: false, Message: "login daemon did not respond"}, nil
	}
	return toAuthResult(result)
}

func toStringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("preloadList: non-string entry %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("preloadList: unexpected return type %T", v)
	}
}

func toAuthResult(v any) (AuthResult, error) {
	// The goja bridge exports plain maps/values, not our Go struct, so
	// round-trip through JSON rather than relying on a type assertion.
	raw, err := json.Marshal(v)
	if err != nil {
		return AuthResult{}, fmt.Errorf("handleAuth: marshal result: %w", err)
	}
	var out AuthResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return AuthResult{}, fmt.Errorf("handleAuth: unmarshal result: %w", err)
	}
	return out, nil
}
