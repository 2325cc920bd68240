// Package project implements hash-differential synchronization of a local
// project directory with the board's filesystem, plus a watch mode that
// re-uploads files as they are saved.
package project
