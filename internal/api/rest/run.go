// Package rest provides REST API handlers
package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratfed/coordinator/internal/federation"
	"github.com/stratfed/coordinator/internal/storage"
)

// getRunHandler returns the status of the run in progress
func getRunHandler(c *gin.Context) {
	if tracker == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "No run registered",
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, tracker.Status())
}

// listRoundsHandler returns the round reports of the current run, or of a
// stored run when run_id names another one
func listRoundsHandler(c *gin.Context) {
	runID := c.Query("run_id")

	if isLive(runID) {
		reports := tracker.Rounds()
		c.JSON(http.StatusOK, RoundList{
			RunID:  tracker.RunID(),
			Rounds: nonNil(reports),
			Total:  len(reports),
		})
		return
	}

	if rounds == nil || runID == "" {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Run not found",
			Code:  "NOT_FOUND",
		})
		return
	}

	reports, err := rounds.ListRounds(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list rounds",
			Code:    "INTERNAL_ERROR",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, RoundList{
		RunID:  runID,
		Rounds: nonNil(reports),
		Total:  len(reports),
	})
}

// getRoundHandler returns the report of one round
func getRoundHandler(c *gin.Context) {
	round, err := strconv.Atoi(c.Param("round"))
	if err != nil || round < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid round",
			Code:    "INVALID_REQUEST",
			Details: "round must be a non-negative integer",
		})
		return
	}
	runID := c.Query("run_id")

	if isLive(runID) {
		report, ok := tracker.Round(round)
		if !ok {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Round not found",
				Code:  "NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	if rounds == nil || runID == "" {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Run not found",
			Code:  "NOT_FOUND",
		})
		return
	}

	report, err := rounds.GetRound(c.Request.Context(), runID, round)
	if errors.Is(err, storage.ErrRoundNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Round not found",
			Code:  "NOT_FOUND",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get round",
			Code:    "INTERNAL_ERROR",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func isLive(runID string) bool {
	return tracker != nil && (runID == "" || runID == tracker.RunID())
}

func nonNil(reports []*federation.RoundReport) []*federation.RoundReport {
	if reports == nil {
		return []*federation.RoundReport{}
	}
	return reports
}
