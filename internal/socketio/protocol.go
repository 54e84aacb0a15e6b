package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect      socketPacketType = '0'
	socketDisconnect   socketPacketType = '1'
	socketEvent        socketPacketType = '2'
	socketConnectError socketPacketType = '4'
)

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int64  `json:"maxPayload"`
}

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return s, ""
	}
	return s[:comma], s[comma+1:]
}

func skipOptionalID(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[i:]
}

type eventPacket struct {
	Namespace string
	Event     string
	Args      []json.RawMessage
}

func parseEventPacket(payload string) (eventPacket, error) {
	if payload == "" {
		return eventPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(socketEvent) {
		return eventPacket{}, errors.New("not an event packet")
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	rest = skipOptionalID(rest)
	if !strings.HasPrefix(rest, "[") {
		return eventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return eventPacket{}, err
	}
	if len(arr) == 0 {
		return eventPacket{}, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return eventPacket{}, errors.New("invalid event name")
	}
	return eventPacket{Namespace: ns, Event: name, Args: arr[1:]}, nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

func buildEventPacket(namespace string, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketEvent))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

// buildConnectPacket encodes a CONNECT packet. The client sends its auth
// object as the payload; the server answers with {"sid": ...}.
func buildConnectPacket(namespace string, payload any) (string, error) {
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketConnect))
	writeNamespace(&b, namespace)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		b.Write(data)
	}
	return b.String(), nil
}

func buildConnectErrorPacket(namespace string, message string) (string, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketConnectError))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func buildDisconnectPacket(namespace string) string {
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketDisconnect))
	writeNamespace(&b, namespace)
	return b.String()
}

func parseConnectErrorMessage(rest string) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(rest), &body) == nil && body.Message != "" {
		return body.Message
	}
	if rest == "" {
		return "connect error"
	}
	return strconv.Quote(rest)
}
