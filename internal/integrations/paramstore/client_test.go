package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	gotIn  *ssm.GetParameterInput
	out    *ssm.GetParameterOutput
	err    error
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotIn = in
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestGetParameter_DecryptsSecureString(t *testing.T) {
	api := &fakeAPI{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  strPtr("/dialogue/open-ai-token"),
		Value: strPtr(`{"token":"sk"}`),
		Type:  types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /dialogue/open-ai-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, v)
	require.Equal(t, "/dialogue/open-ai-token", *api.gotIn.Name)
	require.True(t, *api.gotIn.WithDecryption)
}

func TestGetParameter_Errors(t *testing.T) {
	cases := []struct {
		name    string
		client  *Client
		param   string
		wantErr string
	}{
		{name: "missing value", client: &Client{api: &fakeAPI{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}}}, param: "/dialogue/system_prompt", wantErr: "missing value"},
		{name: "nil output", client: &Client{api: &fakeAPI{}}, param: "/dialogue/system_prompt", wantErr: "missing value"},
		{name: "api error", client: &Client{api: &fakeAPI{err: errors.New("ParameterNotFound")}}, param: "/dialogue/system_prompt", wantErr: "ParameterNotFound"},
		{name: "not initialized", client: &Client{}, param: "/dialogue/system_prompt", wantErr: "not initialized"},
		{name: "empty name", client: &Client{api: &fakeAPI{}}, param: "  ", wantErr: "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.client.GetParameter(context.Background(), tc.param)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

type countingGetter struct {
	vals  map[string]string
	err   error
	calls int
}

func (g *countingGetter) GetParameter(_ context.Context, name string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	v, ok := g.vals[name]
	if !ok {
		return "", errors.New("not found: " + name)
	}
	return v, nil
}

func TestCache_MemoizesSuccess(t *testing.T) {
	g := &countingGetter{vals: map[string]string{"/dialogue/openai-token": `{"token":"sk"}`}}
	c, err := NewCache(g)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.GetParameter(context.Background(), " /dialogue/openai-token ")
		require.NoError(t, err)
		require.Equal(t, `{"token":"sk"}`, v)
	}
	require.Equal(t, 1, g.calls)
}

func TestCache_DoesNotMemoizeFailure(t *testing.T) {
	g := &countingGetter{err: errors.New("throttled")}
	c, err := NewCache(g)
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "/dialogue/openai-token")
	require.ErrorContains(t, err, "throttled")

	g.err = nil
	g.vals = map[string]string{"/dialogue/openai-token": `{"token":"sk"}`}
	v, err := c.GetParameter(context.Background(), "/dialogue/openai-token")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, v)
	require.Equal(t, 2, g.calls)
}

func TestNewCache_NilGetter(t *testing.T) {
	_, err := NewCache(nil)
	require.Error(t, err)
}

func TestToken(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		param   string
		want    string
		wantErr string
	}{
		{name: "json token", getter: &countingGetter{vals: map[string]string{"/p/t": `{"token":" sk-1 "}`}}, param: "/p/t", want: "sk-1"},
		{name: "missing field", getter: &countingGetter{vals: map[string]string{"/p/t": `{"other":"v"}`}}, param: "/p/t", wantErr: "is empty"},
		{name: "malformed", getter: &countingGetter{vals: map[string]string{"/p/t": `{"broken`}}, param: "/p/t", wantErr: "unmarshal"},
		{name: "getter error", getter: &countingGetter{err: errors.New("ssm unavailable")}, param: "/p/t", wantErr: "ssm unavailable"},
		{name: "nil getter", getter: nil, param: "/p/t", wantErr: "nil"},
		{name: "empty name", getter: &countingGetter{}, param: " ", wantErr: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Token(context.Background(), tc.getter, tc.param)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
