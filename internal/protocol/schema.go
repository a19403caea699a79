package protocol

import (
	"github.com/invopop/jsonschema"
)

// inbound pairs every client message type with the struct it decodes into.
// Types that carry no payload share Envelope.
var inbound = map[MessageType]any{
	TypeTextInput:                TextInput{},
	TypeMicAudioData:             MicAudioData{},
	TypeMicAudioEnd:              MicAudioEnd{},
	TypeAISpeakSignal:            AISpeakSignal{},
	TypeInterruptSignal:          InterruptSignal{},
	TypeHeartbeat:                Envelope{},
	TypeCreateGroup:              Envelope{},
	TypeAddClientToGroup:         AddClientToGroup{},
	TypeRemoveClientFromGroup:    RemoveClientFromGroup{},
	TypeLeaveGroup:               Envelope{},
	TypeRequestGroupInfo:         Envelope{},
	TypeFetchQueueStatus:         Envelope{},
	TypeFetchQueueHistory:        FetchQueueHistory{},
	TypeFetchHistoryList:         Envelope{},
	TypeCreateNewHistory:         Envelope{},
	TypeFetchAndSetHistory:       HistoryRef{},
	TypeDeleteHistory:            HistoryRef{},
	TypeFrontendPlaybackComplete: Envelope{},
	TypeFetchConfigs:             Envelope{},
	TypeSwitchConfig:             SwitchConfig{},
}

// InboundSchemas describes each inbound message as a standalone JSON schema
// with its type tag pinned.
func InboundSchemas() map[MessageType]*jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	out := make(map[MessageType]*jsonschema.Schema, len(inbound))
	for typ, v := range inbound {
		s := reflector.Reflect(v)
		s.Title = string(typ)
		if prop, ok := s.Properties.Get("type"); ok {
			prop.Const = string(typ)
		}
		out[typ] = s
	}
	return out
}
