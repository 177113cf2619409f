package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/settings"
	"github.com/jhult/emailengine/internal/submitworker"
)

// accountView is the API shape of an account; secrets never leave the
// process.
type accountView struct {
	ID         string              `json:"account"`
	Name       string              `json:"name,omitempty"`
	Email      string              `json:"email,omitempty"`
	State      accounts.State      `json:"state"`
	LastError  *accounts.LastError `json:"lastError,omitempty"`
	CopyOnSend bool                `json:"copyOnSend"`
	Logs       bool                `json:"logs"`
	HasIMAP    bool                `json:"imap"`
	HasOAuth2  bool                `json:"oauth2"`
}

func toView(a *accounts.Account) accountView {
	return accountView{
		ID:         a.ID,
		Name:       a.Name,
		Email:      a.Email,
		State:      a.State,
		LastError:  a.LastError,
		CopyOnSend: a.CopyOnSend,
		Logs:       a.Logs,
		HasIMAP:    a.IMAP != nil,
		HasOAuth2:  a.OAuth2 != nil,
	}
}

func (r *Router) listAccounts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	state := accounts.State(c.Query("state"))

	result, err := r.registry.List(c.Request.Context(), state, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]accountView, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		views = append(views, toView(a))
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": views,
		"total":    result.Total,
		"page":     result.Page,
		"pages":    result.Pages,
	})
}

func (r *Router) createAccount(c *gin.Context) {
	var req struct {
		Account    string                      `json:"account" binding:"required"`
		Name       string                      `json:"name"`
		Email      string                      `json:"email"`
		CopyOnSend bool                        `json:"copyOnSend"`
		Logs       bool                        `json:"logs"`
		IMAP       *accounts.IMAPCredentials   `json:"imap"`
		SMTP       *accounts.SMTPCredentials   `json:"smtp"`
		OAuth2     *accounts.OAuth2Credentials `json:"oauth2"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := &accounts.Account{
		ID:         req.Account,
		Name:       req.Name,
		Email:      req.Email,
		CopyOnSend: req.CopyOnSend,
		Logs:       req.Logs,
		IMAP:       req.IMAP,
		SMTP:       req.SMTP,
		OAuth2:     req.OAuth2,
	}
	if err := r.registry.Create(c.Request.Context(), acct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toView(acct))
}

func (r *Router) getAccount(c *gin.Context) {
	acct, err := r.registry.Load(c.Request.Context(), c.Param("id"))
	if errors.Is(err, accounts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toView(acct))
}

func (r *Router) updateAccount(c *gin.Context) {
	var patch accounts.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := r.registry.Update(c.Request.Context(), c.Param("id"), &patch)
	if errors.Is(err, accounts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toView(acct))
}

func (r *Router) deleteAccount(c *gin.Context) {
	if err := r.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// submitMessage stores the message durably and schedules submission.
func (r *Router) submitMessage(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		From      string   `json:"from"`
		To        []string `json:"to" binding:"required"`
		Raw       []byte   `json:"raw" binding:"required"`
		QueueID   string   `json:"queueId"`
		MessageID string   `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := r.registry.Load(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	queueID, err := submitworker.Queue(c.Request.Context(), r.registry, r.queues, id, &submitworker.Blob{
		From:      req.From,
		To:        req.To,
		Raw:       req.Raw,
		MessageID: req.MessageID,
	}, submitworker.QueueOptions{QueueID: req.QueueID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queueId": queueID})
}

func (r *Router) accountLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	entries, err := r.logs.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// listMessages proxies to the account's owning IMAP worker.
func (r *Router) listMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	params := map[string]any{
		"mailbox":  c.Query("mailbox"),
		"page":     page,
		"pageSize": pageSize,
	}
	resp, err := r.caller.CallAccount(c.Request.Context(), c.Param("id"), "listMessages", params)
	if err != nil {
		var ce *control.CallError
		if errors.As(err, &ce) && ce.StatusCode > 0 {
			c.JSON(ce.StatusCode, gin.H{"error": ce.Message, "code": ce.Code})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

func (r *Router) getSettings(c *gin.Context) {
	all, err := r.settings.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Never expose secrets through the settings endpoint.
	delete(all, settings.ServiceSecret)
	delete(all, "adminPassword")
	c.JSON(http.StatusOK, all)
}

func (r *Router) putSettings(c *gin.Context) {
	var req map[string]json.RawMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for name, raw := range req {
		if name == settings.ServiceSecret || name == "adminPassword" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "setting " + name + " is not writable"})
			return
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := r.settings.Set(c.Request.Context(), name, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(req)})
}
