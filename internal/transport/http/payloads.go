package http

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"simulado-service/internal/domain"
)

// AnswerSet accepts answers either as [{"position":1,"choice":"A"}] or as
// {"1":"A","2":null} and normalises both into AnswerChoice values ordered by
// position. A null or empty choice means blank.
type AnswerSet []domain.AnswerChoice

func (s *AnswerSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}

	var choices []domain.AnswerChoice
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &choices); err != nil {
			return domain.InvalidInput("answers: %v", err)
		}
	case '{':
		var byPosition map[string]*string
		if err := json.Unmarshal(trimmed, &byPosition); err != nil {
			return domain.InvalidInput("answers: %v", err)
		}
		for key, choice := range byPosition {
			position, err := strconv.Atoi(key)
			if err != nil {
				return domain.InvalidInput("answers: position %q is not a number", key)
			}
			c := domain.AnswerChoice{Position: position}
			if choice != nil {
				c.Choice = *choice
			}
			choices = append(choices, c)
		}
		sort.Slice(choices, func(i, j int) bool { return choices[i].Position < choices[j].Position })
	default:
		return domain.InvalidInput("answers must be a list or an object")
	}

	for _, c := range choices {
		if err := domain.ValidateStruct(c); err != nil {
			return err
		}
	}
	*s = choices
	return nil
}

type finalizeRequest struct {
	Answers AnswerSet `json:"answers"`
}

type recordAnswerRequest struct {
	Choice string `json:"choice" validate:"max=16"`
}

type recordAnswerResponse struct {
	Position         int `json:"position"`
	RemainingSeconds int `json:"remaining_seconds"`
}

type finishedResponse struct {
	Result  domain.ScoreResult `json:"result"`
	Summary string             `json:"summary"`
}

func newFinishedResponse(result domain.ScoreResult) finishedResponse {
	return finishedResponse{Result: result, Summary: result.Summary()}
}
