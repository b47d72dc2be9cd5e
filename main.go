/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "popupbridge/cmd"

func main() {
	cmd.Execute()
}
