package apis

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/apex/log"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/dataplane"
	"github.com/wellscope/relay/telemetry"
)

// maxIngestBodyBytes upper bound on one ingest request body
const maxIngestBodyBytes = 4 << 20

// APIRestIngestHandler REST handler for publishing readings over HTTP.
// Edge collectors which can not hold a broker connection POST here instead.
type APIRestIngestHandler struct {
	APIRestHandler
	publisher dataplane.ReadingPublisher
}

// GetAPIRestIngestHandler define APIRestIngestHandler
func GetAPIRestIngestHandler(
	publisher dataplane.ReadingPublisher, httpConfig *common.HTTPConfig,
) (APIRestIngestHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "ingest",
	}
	return APIRestIngestHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		publisher: publisher,
	}, nil
}

// =======================================================================
// Reading ingest

// PublishReading publish one reading given in the request body
//
// POST /v1/reading
func (h APIRestIngestHandler) PublishReading(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/reading"
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes))
	if err != nil {
		msg := "unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}
	var reading telemetry.Reading
	if err := json.Unmarshal(body, &reading); err != nil {
		msg := "unable to parse reading"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}

	if err := h.publisher.Publish(r.Context(), reading); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Reading publish failed")
		h.replyPublishError(w, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// PublishReadingHandler Wrapper around PublishReading
func (h APIRestIngestHandler) PublishReadingHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishReading(w, r)
	})
}

// PublishReadingBatch publish a JSON array of readings from the request body.
// The batch is all-or-nothing; any invalid element rejects the whole set.
//
// POST /v1/readings
func (h APIRestIngestHandler) PublishReadingBatch(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/readings"
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes))
	if err != nil {
		msg := "unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}
	var readings []telemetry.Reading
	if err := json.Unmarshal(body, &readings); err != nil {
		msg := "unable to parse reading batch"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}

	if err := h.publisher.PublishBatch(r.Context(), readings); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Reading batch publish failed")
		h.replyPublishError(w, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// PublishReadingBatchHandler Wrapper around PublishReadingBatch
func (h APIRestIngestHandler) PublishReadingBatchHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishReadingBatch(w, r)
	})
}

// replyPublishError map a publisher error onto a REST response. Validation
// problems are the caller's fault; anything else is a server side failure.
func (h APIRestIngestHandler) replyPublishError(
	w http.ResponseWriter, err error, restCall string,
) {
	respCode := http.StatusInternalServerError
	var validationErr *common.ValidationError
	if errors.As(err, &validationErr) {
		respCode = http.StatusBadRequest
	}
	msg := err.Error()
	h.reply(w, respCode, getStdRESTErrorMsg(respCode, &msg), restCall)
}
