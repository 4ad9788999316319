package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/florianilch/jigtrack/internal/apierror"
)

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        string
		want        BodyKind
	}{
		{name: "empty", contentType: "application/json", data: "", want: BodyEmpty},
		{name: "whitespace", contentType: "", data: " \n\t", want: BodyEmpty},
		{name: "json object", contentType: "application/json; charset=utf-8", data: `{"id":1}`, want: BodyJSON},
		{name: "json array served as text", contentType: "text/plain", data: ` [1,2,3] `, want: BodyJSON},
		{name: "json string without content type", contentType: "", data: `{"ok":true}`, want: BodyJSON},
		{name: "json scalar", contentType: "application/json", data: `true`, want: BodyJSON},
		{name: "doctype", contentType: "text/plain", data: "\n<!DOCTYPE html><html><body>ngrok</body></html>", want: BodyHTML},
		{name: "lowercase html tag", contentType: "", data: "<html><head></head></html>", want: BodyHTML},
		{name: "html content type", contentType: "text/html; charset=utf-8", data: "Not Found", want: BodyHTML},
		{name: "truncated json", contentType: "", data: `{"id":`, want: BodyMalformed},
		{name: "invalid json with json content type", contentType: "application/json", data: `oops`, want: BodyMalformed},
		{name: "plain text", contentType: "text/plain", data: "OK", want: BodyText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeBody(tt.contentType, []byte(tt.data))
			require.Equal(t, tt.want, got.Kind, "kind %s", got.Kind)
		})
	}
}

func TestBodyDecode(t *testing.T) {
	var v struct {
		ID int `json:"id"`
	}

	require.NoError(t, decodeBody("", []byte(`{"id":42}`)).Decode(&v))
	require.Equal(t, 42, v.ID)

	require.Error(t, decodeBody("", []byte(`{"id":`)).Decode(&v))
	require.ErrorIs(t, decodeBody("", []byte("<html>")).Decode(&v), apierror.ErrConfiguration)
	require.ErrorIs(t, decodeBody("", nil).Decode(&v), errEmptyBody)
	require.ErrorIs(t, decodeBody("text/plain", []byte("OK")).Decode(&v), errNotJSON)
}

func TestBodyGet(t *testing.T) {
	body := decodeBody("", []byte(`{"data":{"jigs":[{"codigo":"JIG-001"},{"codigo":"JIG-002"}]}}`))

	require.Equal(t, "JIG-002", body.Get("data.jigs.1.codigo").String())
	require.Equal(t, int64(2), body.Get("data.jigs.#").Int())
	require.False(t, decodeBody("", []byte("OK")).Get("data").Exists())
}

func TestBodyKindString(t *testing.T) {
	require.Equal(t, "html", BodyHTML.String())
	require.Equal(t, "BodyKind(99)", BodyKind(99).String())
}
