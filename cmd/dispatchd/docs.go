package main

// General API documentation for swaggo. Generate with `swag init -g cmd/dispatchd/docs.go`.
//
// @title           dispatchd API
// @version         1.0
// @description     Admin API for queueing, activating and rotating quota-limited upstream models.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
//
// @securityDefinitions.apikey AdminToken
// @in header
// @name Authorization
