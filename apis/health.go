package apis

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
)

// readinessTimeout bound on running every readiness check
const readinessTimeout = time.Second * 5

// Alive godoc
// @Summary Gateway liveness check
// @Description Will return success to indicate the gateway is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary Gateway readiness check
// @Description Will return success if every collaborator of the gateway is usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	checkCtxt, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Readiness))
	for name := range h.Readiness {
		names = append(names, name)
	}
	sort.Strings(names)
	failed := []string{}
	for _, name := range names {
		if err := h.Readiness[name](checkCtxt); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("%s not ready", name)
			failed = append(failed, fmt.Sprintf("%s: %s", name, err.Error()))
		}
	}

	if len(failed) > 0 {
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, strings.Join(failed, "; "),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
