package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tarungka/flo/checkpoint"
	"github.com/tarungka/flo/engine"
)

// JobRouter serves the lifecycle and checkpoint surface of one engine.
func JobRouter(e *engine.Engine) chi.Router {
	router := chi.NewRouter()

	router.Get("/", getStatus(e))
	router.Get("/logs", getLogs(e))
	router.Post("/stop", postStop(e))
	router.Get("/checkpoints", getCheckpoints(e))
	router.Get("/checkpoints/{epoch}", getCheckpoint(e))

	return router
}

func getStatus(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendResponse(w, true, e.Control().Status(), "")
	}
}

func getLogs(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs := e.Control().Logs()
		out := make([]map[string]any, 0, len(logs))
		for _, m := range logs {
			out = append(out, map[string]any{
				"level":    m.Level.String(),
				"operator": m.OperatorID,
				"subtask":  m.TaskIndex,
				"message":  m.Message,
				"time":     m.Time,
			})
		}
		SendResponse(w, true, out, "")
	}
}

func parseStopType(s string) (engine.StopType, error) {
	switch s {
	case "", "none":
		return engine.StopNone, nil
	case "checkpoint":
		return engine.StopCheckpoint, nil
	case "graceful":
		return engine.StopGraceful, nil
	case "immediate":
		return engine.StopImmediate, nil
	case "force":
		return engine.StopForce, nil
	default:
		return engine.StopNone, fmt.Errorf("unknown stop type %q", s)
	}
}

func postStop(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StopRequestModel
		if r.Body != nil {
			// an empty or absent body means the query param decides
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if q := r.URL.Query().Get("type"); q != "" {
			req.Type = q
		}

		st, err := parseStopType(req.Type)
		if err != nil {
			SendResponseWithHeader(w, false, nil, err.Error(), http.StatusBadRequest, nil)
			return
		}
		if err := e.Control().Stop(st); err != nil {
			SendResponseWithHeader(w, false, nil, err.Error(), http.StatusConflict, nil)
			return
		}
		SendResponse(w, true, e.Control().Status(), "")
	}
}

func getCheckpoints(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overviews := e.Coordinator().Overviews()
		out := make([]map[string]any, 0, len(overviews))
		for _, ov := range overviews {
			out = append(out, overviewModel(ov))
		}
		SendResponse(w, true, out, "")
	}
}

func getCheckpoint(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
		if err != nil {
			SendResponseWithHeader(w, false, nil, "epoch must be an unsigned integer", http.StatusBadRequest, nil)
			return
		}
		ov, ok := e.Coordinator().Overview(epoch)
		if !ok {
			SendResponseWithHeader(w, false, nil, "no such epoch", http.StatusNotFound, nil)
			return
		}

		operators := make([]map[string]any, 0)
		if details, ok := e.Coordinator().Details(epoch); ok {
			for _, d := range details {
				tasks := make([]map[string]any, 0, len(d.Tasks))
				for _, t := range d.Tasks {
					events := make([]map[string]any, 0, len(t.Events))
					for _, ev := range t.Events {
						events = append(events, map[string]any{
							"type":  ev.Type.String(),
							"time":  ev.Time,
							"bytes": ev.Bytes,
						})
					}
					tasks = append(tasks, map[string]any{
						"task_index": t.TaskIndex,
						"bytes":      t.Bytes,
						"finished":   t.Finished,
						"events":     events,
					})
				}
				operators = append(operators, map[string]any{
					"operator_id": d.OperatorID,
					"start_time":  d.StartTime,
					"finish_time": d.FinishTime,
					"bytes":       d.Bytes,
					"tasks":       tasks,
				})
			}
		}

		data := overviewModel(ov)
		data["operators"] = operators
		SendResponse(w, true, data, "")
	}
}

func overviewModel(ov checkpoint.CheckpointOverview) map[string]any {
	return map[string]any{
		"epoch":       ov.Epoch,
		"backend":     ov.Backend,
		"state":       ov.State.String(),
		"start_time":  ov.StartTime,
		"finish_time": ov.FinishTime,
		"bytes":       ov.Bytes,
	}
}
