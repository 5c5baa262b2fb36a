package main

//go:generate swag init -g cmd/autotrader/main.go -o docs

// @title           autotrader API
// @version         1.0
// @description     Position reconciliation, price collection and performance reports.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
