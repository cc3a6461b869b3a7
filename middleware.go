package replay

import (
	"errors"
	"io"
	"net/http"

	saver "github.com/always-cache/replay/pkg/response-saver"
)

// Middleware replays responses of next. Responses the handler writes while
// record mode is enabled are stored as fixtures.
func (r *Replayer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		downstream := func(req *http.Request) (*http.Response, error) {
			rs := saver.NewResponseSaver()
			next.ServeHTTP(rs, req)
			return rs.Result(req), nil
		}
		res, err := r.HandleRequest(req, downstream, downstream)
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if res.Body == nil {
			return
		}
		defer res.Body.Close()
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			r.log.Error().Err(err).Msg("Could not write response body to client")
		}
		r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	})
}

// errorStatus maps a missing fixture to 502 and everything else,
// configuration and store errors included, to 500.
func errorStatus(err error) int {
	if errors.Is(err, ErrReplayUnavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
