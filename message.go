package main

const (
	MsgInvalidImage = "We couldn't read that file as an image. Please upload a JPEG or PNG photo of a single leaf."

	MsgUploadTooLarge = "That file is too large. Please upload a smaller photo of the leaf."

	MsgSaveFailed = "We couldn't store your upload. Please try again."

	MsgServerBusy = "The service is busy analysing other leaves. Please try again in a moment."

	MsgClassificationFailed = "Something went wrong while analysing the leaf. Please try again in a moment."
)
