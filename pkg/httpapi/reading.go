package httpapi

import (
	"errors"
	"net/http"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
)

type rejectResp struct {
	Message             string `json:"message"`
	RemainingFreeTurns  int    `json:"remaining_free_turns"`
	RemainingPaidTurns  int    `json:"remaining_paid_turns"`
	TotalRemainingTurns int    `json:"total_remaining_turns"`
}

// ReadingHandler godoc
// @Summary      Request a tarot reading
// @Description  Admits the request through the turn ledger before the reading is produced
// @Tags         reading
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      402  {object}  rejectResp
// @Failure      429  {object}  map[string]string
// @Router       /reading [post]
func (s *Server) ReadingHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}

	decision, err := s.gate.Admit(r.Context(), user, "reading")
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientTurns) {
			writeJSON(w, http.StatusPaymentRequired, rejectResp{
				Message:             "insufficient turns remaining",
				RemainingFreeTurns:  decision.RemainingFree,
				RemainingPaidTurns:  decision.RemainingPaid,
				TotalRemainingTurns: decision.RemainingTotal,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	// Producing the reading itself is an external LLM collaborator's
	// concern, opaque to this core; the turn has already been spent the
	// moment Admit succeeded, regardless of what happens next.
	writeJSON(w, http.StatusOK, map[string]any{
		"remaining_free_turns":  decision.RemainingFree,
		"remaining_paid_turns":  decision.RemainingPaid,
		"total_remaining_turns": decision.RemainingTotal,
	})
}
