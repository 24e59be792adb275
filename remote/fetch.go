package remote

import (
	"context"

	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

// FetchJSON builds a fetch operation that calls path and decodes the JSON
// response into T. A body that does not decode is a permanent failure.
func FetchJSON[T any](client types.RemoteClient, method, path string, body interface{}) query.FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		var out T

		data, _, err := client.Call(ctx, method, path, body, nil)
		if err != nil {
			return out, err
		}

		if err = utils.Unmarshal(data, &out); err != nil {
			return out, types.MarkPermanent(types.Errorf(types.ErrClientResponseInvalid, "decode %s: %v", path, err))
		}

		return out, nil
	}
}
