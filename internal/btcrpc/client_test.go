package btcrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stabledger/stabled/internal/chain"
)

func fakeNode(t *testing.T, handler func(method string, params []any) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "1.0", req.JSONRPC)

		result, rpcErr := handler(req.Method, req.Params)
		resp := response{ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGetBlockchainInfoParsesChainAndHeight(t *testing.T) {
	srv := fakeNode(t, func(method string, params []any) (any, *rpcError) {
		require.Equal(t, "getblockchaininfo", method)
		return map[string]any{"chain": "main", "blocks": 900000}, nil
	})
	defer srv.Close()

	info, err := New(srv.URL).GetBlockchainInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "main", info.Chain)
	require.Equal(t, int64(900000), info.Blocks)
}

func TestGetBlockHashPassesHeight(t *testing.T) {
	srv := fakeNode(t, func(method string, params []any) (any, *rpcError) {
		require.Equal(t, "getblockhash", method)
		require.Equal(t, []any{float64(123)}, params)
		return "abcd", nil
	})
	defer srv.Close()

	hash, err := New(srv.URL).GetBlockHash(context.Background(), 123)
	require.NoError(t, err)
	require.Equal(t, "abcd", hash)
}

func TestGetBlockHexUsesVerbosityZero(t *testing.T) {
	srv := fakeNode(t, func(method string, params []any) (any, *rpcError) {
		require.Equal(t, "getblock", method)
		require.Equal(t, []any{"abcd", float64(0)}, params)
		return "deadbeef", nil
	})
	defer srv.Close()

	hex, err := New(srv.URL).GetBlockHex(context.Background(), "abcd")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", hex)
}

func TestSendToAddressReturnsTxid(t *testing.T) {
	srv := fakeNode(t, func(method string, params []any) (any, *rpcError) {
		require.Equal(t, "sendtoaddress", method)
		require.Equal(t, []any{"bc1qexample", "0.00100000"}, params)
		return "feedface", nil
	})
	defer srv.Close()

	txid, err := New(srv.URL).SendToAddress(context.Background(), "bc1qexample", "0.00100000")
	require.NoError(t, err)
	require.Equal(t, "feedface", txid)
}

func TestCallSurfacesRPCErrorAsExternal(t *testing.T) {
	srv := fakeNode(t, func(method string, params []any) (any, *rpcError) {
		return nil, &rpcError{Code: -5, Message: "no such address"}
	})
	defer srv.Close()

	_, err := New(srv.URL).GetBestBlockHash(context.Background())
	require.Error(t, err)
	require.True(t, chain.Is(err, chain.KindExternal))
}
