package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut    *ssm.GetParameterOutput
	getErr    error
	lastGetIn *ssm.GetParameterInput

	params     map[string]string
	batchErr   error
	batchSizes []int
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batchSizes = append(f.batchSizes, len(in.Names))
	out := &ssm.GetParametersOutput{}
	for _, n := range in.Names {
		v, ok := f.params[n]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, n)
			continue
		}
		out.Parameters = append(out.Parameters, types.Parameter{Name: strPtr(n), Value: strPtr(v)})
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr("secret"), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, "secret", v)
	require.Equal(t, "p", *api.lastGetIn.Name)
	require.True(t, *api.lastGetIn.WithDecryption)
}

func TestGetParameter_Errors(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("throttled")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "throttled")

	_, err = client.GetParameter(context.Background(), "")
	require.ErrorContains(t, err, "name is required")

	client, err = New(&fakeAPI{getOut: &ssm.GetParameterOutput{}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameters_Batches(t *testing.T) {
	api := &fakeAPI{params: map[string]string{}}
	var names []string
	for i := 0; i < 12; i++ {
		n := fmt.Sprintf("/assistant/p%d", i)
		api.params[n] = fmt.Sprintf("v%d", i)
		names = append(names, n)
	}
	client, err := New(api)
	require.NoError(t, err)

	values, err := client.GetParameters(context.Background(), names...)
	require.NoError(t, err)
	require.Len(t, values, 12)
	require.Equal(t, "v11", values["/assistant/p11"])
	require.Equal(t, []int{10, 2}, api.batchSizes)
}

func TestGetParameters_UnknownName(t *testing.T) {
	client, err := New(&fakeAPI{params: map[string]string{"/a": "1"}})
	require.NoError(t, err)
	_, err = client.GetParameters(context.Background(), "/a", "/b")
	require.ErrorContains(t, err, "/b")
}

func TestGetParameters_APIError(t *testing.T) {
	client, err := New(&fakeAPI{batchErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameters(context.Background(), "/a")
	require.ErrorContains(t, err, "boom")
}
