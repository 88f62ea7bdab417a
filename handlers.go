package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	log "github.com/sirupsen/logrus"
)

func routes(router gin.IRouter, cfg config, svc environmentService, status statusReader) {
	api := router.Group("/api")
	{
		api.POST("/environments", createEnvironment(cfg, svc))
		api.GET("/environments", listEnvironments(cfg, svc))
		api.GET("/environments/:name", getEnvironment(cfg, svc))
		api.GET("/environments/:name/status", getEnvironmentStatus(cfg, status))
		api.POST("/environments/:name/preview", previewEnvironment(cfg, svc))
		api.POST("/environments/:name/refresh", refreshEnvironment(cfg, svc))
		api.PUT("/environments/:name", updateEnvironment(cfg, svc))
		api.DELETE("/environments/:name", deleteEnvironment(cfg, svc))

		api.POST("/account", bootstrapAccount(cfg, svc))
	}
}

// errorStatus maps service errors onto HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errEnvironmentExists):
		return http.StatusConflict
	case errors.Is(err, errEnvironmentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.JSON(code, gin.H{"result": err.Error()})
}

// bindCredentials reads optional credentials from the request body. An
// empty body, whatever its transfer encoding, means none.
func bindCredentials(c *gin.Context, cfg config) (credentials, bool) {
	var cred credentials

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": fmt.Sprintf("read request body: %v", err)})
		return cred, false
	}

	if len(bytes.TrimSpace(body)) > 0 {
		if err := binding.JSON.BindBody(body, &cred); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"result": err.Error()})
			return cred, false
		}
	}

	cred.SetDefaults(cfg)
	return cred, true
}

type environmentRequest struct {
	environment
	credentials
}

// bindEnvironment reads, defaults and validates an environment definition.
// name overrides the body's name when set; a conflicting body name is
// rejected.
func bindEnvironment(c *gin.Context, cfg config, name string) (environment, credentials, bool) {
	var req environmentRequest

	if name != "" {
		// name comes from the path, so the body may omit it
		req.Name = name
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": err.Error()})
		return req.environment, req.credentials, false
	}

	if name != "" && req.Name != name {
		c.JSON(http.StatusBadRequest, gin.H{"result": fmt.Sprintf("environment name %q doesn't match path %q", req.Name, name)})
		return req.environment, req.credentials, false
	}

	req.credentials.SetDefaults(cfg)
	req.environment.SetDefaults(cfg, req.AWSRegion)

	if err := req.environment.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": err.Error()})
		return req.environment, req.credentials, false
	}

	return req.environment, req.credentials, true
}

func createEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, cred, ok := bindEnvironment(c, cfg, "")
		if !ok {
			return
		}

		if err := svc.Create(c.Request.Context(), env, cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("environment %q is being created", env.Name),
		})
	}
}

func listEnvironments(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		envs, err := svc.List(c.Request.Context(), cred)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result": envs,
		})
	}
}

func getEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		result, err := svc.Outputs(c.Request.Context(), c.Param("name"), cred)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result": result,
		})
	}
}

func getEnvironmentStatus(cfg config, status statusReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		st, err := status.Status(c.Request.Context(), c.Param("name"), cred)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result": st,
		})
	}
}

func previewEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, cred, ok := bindEnvironment(c, cfg, c.Param("name"))
		if !ok {
			return
		}

		if err := svc.Preview(c.Request.Context(), env, cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("environment %q is being previewed", env.Name),
		})
	}
}

func refreshEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		name := c.Param("name")
		if err := svc.Refresh(c.Request.Context(), name, cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("environment %q is being refreshed", name),
		})
	}
}

func updateEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, cred, ok := bindEnvironment(c, cfg, c.Param("name"))
		if !ok {
			return
		}

		if err := svc.Update(c.Request.Context(), env, cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("environment %q is being updated", env.Name),
		})
	}
}

func deleteEnvironment(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		name := c.Param("name")
		if err := svc.Destroy(c.Request.Context(), name, cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("environment %q is being deleted", name),
		})
	}
}

func bootstrapAccount(cfg config, svc environmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bindCredentials(c, cfg)
		if !ok {
			return
		}

		if err := svc.Bootstrap(c.Request.Context(), cred); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"result": fmt.Sprintf("account settings of %q are being applied", cred.AWSRegion),
		})
	}
}
