package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/pesio-ai/be-doc-approvals/internal/chaincode"
)

func main() {
	approvalChaincode, err := contractapi.NewChaincode(&chaincode.ApprovalContract{})
	if err != nil {
		log.Panicf("Error creating approval chaincode: %v", err)
	}

	if err := approvalChaincode.Start(); err != nil {
		log.Panicf("Error starting approval chaincode: %v", err)
	}
}
