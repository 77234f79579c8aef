package apis

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemarkers/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// DefaultRequestIDHeader request ID header used when none is configured
const DefaultRequestIDHeader = "Livemarkers-Request-ID"

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler from the request logging config
func defineRestAPIHandler(logTags log.Fields, cfg common.HTTPRequestLogging) goutils.RestAPIHandler {
	reqIDHeader := cfg.RequestIDHeader
	if reqIDHeader == "" {
		reqIDHeader = DefaultRequestIDHeader
	}
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &reqIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range cfg.DoNotLogHeaders {
				result[http.CanonicalHeaderKey(v)] = true
			}
			return result
		}(),
	}
}

// hijackWriter exposes Hijack but not Flush
//
// The request logging middleware flushes the writer once the handler returns, which
// panics on a connection already taken over by a websocket.
type hijackWriter struct {
	http.ResponseWriter
}

func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijack")
	}
	return hijacker.Hijack()
}
