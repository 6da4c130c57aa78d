package controlapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/statestore"
)

// listRecordings implements list_recordings (§6): ?stream_id=&since=&until=
// where since/until are Unix seconds.
func listRecordings(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := statestore.RecordingFilter{
			StreamID: core.StreamId(r.URL.Query().Get("stream_id")),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			if sec, err := strconv.ParseInt(since, 10, 64); err == nil {
				filter.Since = time.Unix(sec, 0).UTC()
			}
		}
		if until := r.URL.Query().Get("until"); until != "" {
			if sec, err := strconv.ParseInt(until, 10, 64); err == nil {
				filter.Until = time.Unix(sec, 0).UTC()
			}
		}

		rows, err := d.Store.ListRecordings(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
