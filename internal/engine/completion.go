package engine

import (
	"context"

	"maturion/internal/domain"
	"maturion/internal/maturity"
	"maturion/internal/policy"
	"maturion/internal/repo"
	"maturion/internal/workflow"
)

// ComputeCompletion derives the index completion snapshot. Nothing here is
// stored: the percentages, flags, and status are recomputed from confirmed
// evidence (or confirmed answers) on every call.
func (e Engine) ComputeCompletion(ctx context.Context, indexID, actorID string) (domain.Completion, error) {
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return domain.Completion{}, err
	}
	if _, _, err := e.authorize(ctx, actorID, ix, policy.View); err != nil {
		return domain.Completion{}, err
	}
	it, err := maturity.Type(ix.Type)
	if err != nil {
		return domain.Completion{}, err
	}
	reqs, err := e.Repo.ListRequirements(ctx, indexID)
	if err != nil {
		return domain.Completion{}, err
	}
	var confirmed map[string][]int
	if !it.AnswerBased {
		confirmed, err = e.Repo.ConfirmedLevels(ctx, indexID)
		if err != nil {
			return domain.Completion{}, err
		}
	}

	out := domain.Completion{IndexID: ix.ID}
	var percents []int
	allComplete := len(reqs) > 0
	for _, rq := range reqs {
		level := 0
		if it.AnswerBased {
			if rq.AnswerStatus == workflow.AnswerConfirmed {
				level = it.MaxLevel
			}
		} else {
			// Current level is the highest confirmed evidence level with an
			// unbroken run from level 1; a confirmed level 3 without a
			// confirmed level 2 does not count as 3.
			levels := map[int]bool{}
			for _, l := range confirmed[rq.ID] {
				levels[l] = true
			}
			for levels[level+1] {
				level++
			}
		}
		c := it.Compute(level)
		out.Requirements = append(out.Requirements, domain.RequirementCompletion{
			RequirementID: rq.ID,
			Code:          rq.Code,
			CurrentLevel:  level,
			Percent:       c.Percent,
			IsComplete:    c.IsComplete,
		})
		percents = append(percents, c.Percent)
		if !c.IsComplete {
			allComplete = false
		}
	}
	out.Percent = maturity.AggregatePercent(percents)
	out.IsComplete = allComplete
	out.DerivedStatus = maturity.DeriveStatus(ix.ArchivedAt != nil, parseDate(ix.StartDate), allComplete, e.now().UTC())
	return out, nil
}

// ListActivity pages the ledger for an index after a view check.
func (e Engine) ListActivity(ctx context.Context, f repo.ActivityFilters, actorID string) ([]domain.ActivityRecord, error) {
	if f.IndexID != "" {
		ix, err := e.Repo.GetIndex(ctx, f.IndexID)
		if err != nil {
			return nil, err
		}
		if _, _, err := e.authorize(ctx, actorID, ix, policy.View); err != nil {
			return nil, err
		}
	} else {
		// The unscoped ledger spans indices the actor may not see.
		global, _, err := e.actorRoles(ctx, actorID, "")
		if err != nil {
			return nil, err
		}
		if global != policy.GlobalAdmin {
			return nil, policy.ForbiddenError{Action: policy.View}
		}
	}
	return e.Repo.LatestActivities(ctx, f)
}
