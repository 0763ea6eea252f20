// Package protocol defines the control messages exchanged between the host
// daemon and the in-realm manager, and the length-delimited framing used to
// carry them over vsock.
//
// Commands and responses are encoded as externally tagged JSON documents:
//
//	{"StartApp":"app-1"}   {"TerminateApp":"app-1"}   {"KillApp":"app-1"}
//	{"Shutdown":[]}
//	"Ok"                   {"ExitStatus":256}
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProvisionInfo references the registry image an application is installed
// from on first boot.
type ProvisionInfo struct {
	UUID uuid.UUID `json:"uuid"`
}

// ApplicationInfo carries the per-application partition identities and the
// optional provisioning source. It is pushed to the guest as part of
// RealmInfo before any command traffic.
type ApplicationInfo struct {
	MainPartitionUUID   uuid.UUID      `json:"main_partition_uuid"`
	SecurePartitionUUID uuid.UUID      `json:"secure_partition_uuid"`
	ProvisionInfo       *ProvisionInfo `json:"provision_info,omitempty"`
}

// RealmInfo is the first frame written by the host after the guest connects.
type RealmInfo struct {
	Apps map[string]ApplicationInfo `json:"apps"`
}

// CommandKind discriminates Command variants.
type CommandKind string

const (
	CmdStartApp     CommandKind = "StartApp"
	CmdTerminateApp CommandKind = "TerminateApp"
	CmdKillApp      CommandKind = "KillApp"
	CmdShutdown     CommandKind = "Shutdown"
)

// Command is a host-to-guest request. AppID is meaningful for every kind
// except CmdShutdown.
type Command struct {
	Kind  CommandKind
	AppID string
}

// StartApp returns a start command for the named application.
func StartApp(id string) Command { return Command{Kind: CmdStartApp, AppID: id} }

// TerminateApp returns a graceful-stop command for the named application.
func TerminateApp(id string) Command { return Command{Kind: CmdTerminateApp, AppID: id} }

// KillApp returns a forced-stop command for the named application.
func KillApp(id string) Command { return Command{Kind: CmdKillApp, AppID: id} }

// Shutdown returns the realm shutdown command.
func Shutdown() Command { return Command{Kind: CmdShutdown} }

func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CmdStartApp, CmdTerminateApp, CmdKillApp:
		return json.Marshal(map[CommandKind]string{c.Kind: c.AppID})
	case CmdShutdown:
		return json.Marshal(map[CommandKind][]struct{}{c.Kind: {}})
	default:
		return nil, fmt.Errorf("protocol: cannot encode command kind %q", string(c.Kind))
	}
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("protocol: expected exactly one command tag, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		switch kind := CommandKind(tag); kind {
		case CmdStartApp, CmdTerminateApp, CmdKillApp:
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				return fmt.Errorf("protocol: %s payload: %w", tag, err)
			}
			*c = Command{Kind: kind, AppID: id}
		case CmdShutdown:
			*c = Command{Kind: kind}
		default:
			return fmt.Errorf("protocol: unknown command %q", tag)
		}
	}
	return nil
}

// Response is a guest-to-host reply. StatusSet distinguishes Ok from
// ExitStatus; Status carries the raw platform wait status.
type Response struct {
	StatusSet bool
	Status    int32
}

// Ok is the plain acknowledgement response.
var Ok = Response{}

// ExitStatus wraps a raw wait status in a response.
func ExitStatus(raw int32) Response { return Response{StatusSet: true, Status: raw} }

func (r Response) MarshalJSON() ([]byte, error) {
	if !r.StatusSet {
		return json.Marshal("Ok")
	}
	return json.Marshal(map[string]int32{"ExitStatus": r.Status})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var unit string
	if err := json.Unmarshal(b, &unit); err == nil {
		if unit != "Ok" {
			return fmt.Errorf("protocol: unknown response %q", unit)
		}
		*r = Response{}
		return nil
	}
	var tagged map[string]int32
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}
	status, ok := tagged["ExitStatus"]
	if !ok || len(tagged) != 1 {
		return fmt.Errorf("protocol: malformed response %s", string(b))
	}
	*r = Response{StatusSet: true, Status: status}
	return nil
}
