package server

import (
	"time"

	"framechain/internal/model"
)

// workflowView is what clients see of a workflow: no local paths, no
// data urls, no provider payloads.
type workflowView struct {
	ID          string         `json:"id"`
	Mode        model.Mode     `json:"mode"`
	Status      string         `json:"status"`
	Running     bool           `json:"running"`
	Description string         `json:"description"`
	ClipCount   int            `json:"clip_count"`
	Plan        *planView      `json:"plan,omitempty"`
	Clips       []clipView     `json:"clips,omitempty"`
	Current     *currentView   `json:"current,omitempty"`
	Error       *model.Failure `json:"error,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type planView struct {
	Source      model.PlanSource `json:"source"`
	Warning     string           `json:"warning,omitempty"`
	Adjustments []string         `json:"adjustments,omitempty"`
}

type clipView struct {
	Index    int              `json:"index"`
	Prompt   string           `json:"prompt"`
	Status   model.ClipStatus `json:"status"`
	Source   model.ClipSource `json:"source,omitempty"`
	JobID    string           `json:"job_id,omitempty"`
	HasFrame bool             `json:"has_frame"`
	Error    *model.Failure   `json:"error,omitempty"`
}

// currentView is the step a manual workflow is waiting for.
type currentView struct {
	Index    int    `json:"index"`
	Count    int    `json:"count"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

func (s *Server) view(st *model.WorkflowState) workflowView {
	base := "/workflows/" + st.ID
	v := workflowView{
		ID:          st.ID,
		Mode:        st.Mode,
		Status:      string(st.Status),
		Running:     s.runner != nil && s.runner.Running(st.ID),
		Description: st.Scene.Description,
		ClipCount:   st.Scene.ClipCount,
		Error:       st.Error,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
	if st.Chain.LocalPath != "" {
		v.ImageURL = base + "/image"
	}
	if st.Status == model.StatusCompleted {
		v.DownloadURL = base + "/download"
	}
	if st.Plan != nil {
		v.Plan = &planView{Source: st.Plan.Source, Warning: st.Plan.Warning, Adjustments: st.Plan.Adjustments}
	}
	for _, clip := range st.Clips {
		v.Clips = append(v.Clips, clipView{
			Index:    clip.Index,
			Prompt:   clip.Prompt,
			Status:   clip.Status,
			Source:   clip.Source,
			JobID:    clip.JobID,
			HasFrame: clip.LastFrame != "",
			Error:    clip.Error,
		})
	}
	if st.Status == model.StatusGenerating {
		if i := st.NextClip(); i >= 0 {
			v.Current = &currentView{Index: i, Count: len(st.Clips), Prompt: st.Clips[i].Prompt, ImageURL: base + "/image"}
		}
	}
	return v
}
