package handler

import (
	"net/http"

	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/internal/status"
)

type statusInfo struct {
	Status   string       `json:"status"`
	Group    status.Group `json:"group"`
	Terminal bool         `json:"terminal"`
	Next     []string     `json:"next"`
}

// NewStatusesHandler returns GET /api/v1/statuses: every job status with its
// reporting group and the statuses it may move to.
func NewStatusesHandler() http.HandlerFunc {
	all := status.All()
	infos := make([]statusInfo, 0, len(all))
	for _, s := range all {
		g, _ := status.GroupOf(s)
		infos = append(infos, statusInfo{
			Status:   s,
			Group:    g,
			Terminal: status.IsTerminal(s),
			Next:     status.AllowedTransitions(s),
		})
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		response.Collection(w, infos, len(infos))
	}
}
