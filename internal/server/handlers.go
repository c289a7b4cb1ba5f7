package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"framechain/internal/model"
	"framechain/internal/service"
)

var (
	imageTypes = []string{"image/jpeg", "image/png"}
	videoTypes = []string{"video/mp4", "video/quicktime", "video/x-msvideo"}

	errUnsupportedUpload = errors.New("unsupported file type")
)

type createBody struct {
	Description   string                 `json:"description"`
	ClipCount     int                    `json:"clip_count"`
	Mode          model.Mode             `json:"mode"`
	StartingImage string                 `json:"starting_image"`
	Params        model.GenerationParams `json:"params"`
	Start         bool                   `json:"start"`
}

// handleCreate accepts JSON, or a multipart form with the starting image
// as starting_image_file.
func (s *Server) handleCreate(c *gin.Context) {
	var body createBody
	var upload string
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var err error
		body, err = formBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := c.FormFile("starting_image_file"); err == nil {
			upload, err = s.saveUpload(c, "starting_image_file", imageTypes)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			defer os.Remove(upload)
			body.StartingImage = upload
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if upload == "" && !isRemoteRef(body.StartingImage) {
		// 不允许通过JSON读取服务器本地文件
		c.JSON(http.StatusBadRequest, gin.H{"error": "starting_image must be an http(s) or data url, or an uploaded file"})
		return
	}

	st, err := s.orch.Create(c.Request.Context(), service.CreateRequest{
		Mode: body.Mode,
		Scene: model.SceneRequest{
			Description:   body.Description,
			ClipCount:     body.ClipCount,
			StartingImage: body.StartingImage,
			Params:        body.Params,
		},
	})
	if err != nil {
		if errors.Is(err, service.ErrPrecondition) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	if body.Start {
		if err := s.runner.Start(st.ID); err != nil {
			s.fail(c, err)
			return
		}
	}
	s.respond(c, http.StatusCreated, st)
}

func isRemoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:")
}

func formBody(c *gin.Context) (createBody, error) {
	body := createBody{
		Description:   c.PostForm("description"),
		Mode:          model.Mode(c.PostForm("mode")),
		StartingImage: c.PostForm("starting_image"),
		Start:         c.PostForm("start") == "true",
		Params: model.GenerationParams{
			Resolution:  c.PostForm("resolution"),
			AspectRatio: c.PostForm("aspect_ratio"),
			CameraFixed: c.PostForm("camera_fixed") == "true",
		},
	}
	n, err := strconv.Atoi(c.DefaultPostForm("clip_count", "0"))
	if err != nil {
		return body, errors.New("clip_count must be an integer")
	}
	body.ClipCount = n
	if d := c.PostForm("duration"); d != "" {
		if body.Params.Duration, err = strconv.Atoi(d); err != nil {
			return body, errors.New("duration must be an integer")
		}
	}
	if v := c.PostForm("seed"); v != "" {
		seed, err := strconv.Atoi(v)
		if err != nil {
			return body, errors.New("seed must be an integer")
		}
		body.Params.Seed = &seed
	}
	return body, nil
}

// saveUpload stores the form file after checking its content type by
// sniffing, not by extension.
func (s *Server) saveUpload(c *gin.Context, field string, allowed []string) (string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("%s is required", field)
	}
	if fh.Size > s.opts.MaxUploadBytes {
		return "", fmt.Errorf("%s is larger than %d bytes", field, s.opts.MaxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if !mimetype.EqualsAny(mime.String(), allowed...) {
		return "", fmt.Errorf("%w: %s", errUnsupportedUpload, mime.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.opts.UploadDir, uuid.NewString()+mime.Extension())
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	s.log.WithFields(logrus.Fields{"file": fh.Filename, "type": mime.String()}).Debug("saved upload")
	return dst, nil
}

func (s *Server) handleList(c *gin.Context) {
	states, err := s.orch.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]workflowView, 0, len(states))
	for _, st := range states {
		views = append(views, s.view(st))
	}
	c.JSON(http.StatusOK, gin.H{"workflows": views})
}

func (s *Server) handleGet(c *gin.Context) {
	st, err := s.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, st)
}

// handleRun starts the workflow in the background. Manual workflows stop
// again when they need an uploaded clip.
func (s *Server) handleRun(c *gin.Context) {
	id := c.Param("id")
	st, err := s.orch.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if st.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "workflow is " + string(st.Status)})
		return
	}
	if err := s.runner.Start(id); err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusAccepted, st)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if s.runner.Cancel(id) {
		c.JSON(http.StatusAccepted, gin.H{"id": id, "cancelled": true})
		return
	}
	st, err := s.orch.Abort(c.Request.Context(), id)
	if err != nil && service.KindOf(err) != model.KindCancelled {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, st)
}

func (s *Server) handleRetry(c *gin.Context) {
	id := c.Param("id")
	if s.runner.Running(id) {
		s.fail(c, service.ErrRunning)
		return
	}
	st, err := s.orch.Retry(c.Request.Context(), id, c.Query("resubmit") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.runner.Start(id); err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusAccepted, st)
}

func (s *Server) handleCombine(c *gin.Context) {
	st, err := s.orch.Combine(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, st)
}

// handleUploadClip accepts the externally produced video for the next
// clip of a manual workflow as the form file "video".
func (s *Server) handleUploadClip(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clip index must be an integer"})
		return
	}
	path, err := s.saveUpload(c, "video", videoTypes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer os.Remove(path)

	st, err := s.orch.SubmitClip(c.Request.Context(), c.Param("id"), index, path)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, st)
}

// handleImage serves the image the next clip starts from.
func (s *Server) handleImage(c *gin.Context) {
	st, err := s.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if st.Chain.LocalPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current image"})
		return
	}
	c.File(st.Chain.LocalPath)
}

func (s *Server) handleDownload(c *gin.Context) {
	st, err := s.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if st.Status != model.StatusCompleted || st.FinalArtifact == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "workflow is " + string(st.Status)})
		return
	}
	c.FileAttachment(st.FinalArtifact, "framechain-"+st.ID+".mp4")
}

func (s *Server) handleToolList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.Infos()})
}

// handleToolInvoke passes the raw JSON body to the named eino tool.
func (s *Server) handleToolInvoke(c *gin.Context) {
	tool, ok := s.tools.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := tool.InvokableRun(c.Request.Context(), string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(result))
}
