package invitebroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// tlsConfig loads the given cert/key pair for a server TLS config
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, fmt.Errorf("error loading key pair %s/%s: %w", certfile, keyfile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// listen opens a listener on the given network and address, wrapped
// with TLS if tlsCfg is set
func listen(
	ctx context.Context,
	network string,
	addr string,
	tlsCfg *tls.Config,
) (net.Listener, error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// structToSlogValue converts a struct (or pointer to one) to a group
// value keyed by each field's JSON name. Fields with a `log` tag are
// logged as the tag value instead of the actual value, so
// `log:"[redacted]"` hides secrets. Nil pointers, empty strings and
// empty slices/maps are omitted.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}
		key := logFieldKey(field)

		if override := field.Tag.Get("log"); override != "" {
			attrs = append(attrs, slog.String(key, override))
			continue
		}
		if isEmptyLogValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func logFieldKey(field reflect.StructField) string {
	if name, _, _ := strings.Cut(field.Tag.Get("json"), ","); name != "" {
		return name
	}
	return field.Name
}

func isEmptyLogValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

// interactionLogAttrs returns the attributes identifying an interaction
// in log messages
func interactionLogAttrs(i *discordgo.InteractionCreate) []any {
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	for _, a := range []struct {
		key   string
		value string
	}{
		{"guild_id", i.GuildID},
		{"channel_id", i.ChannelID},
		{"app_id", i.AppID},
	} {
		if a.value != "" {
			attrs = append(attrs, a.key, a.value)
		}
	}
	if u := getDiscordUser(i); u != nil {
		attrs = append(attrs, "user_id", u.ID)
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		attrs = append(attrs, "command", i.ApplicationCommandData().Name)
	}
	return attrs
}

func stringPointerValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T {
	return &v
}
