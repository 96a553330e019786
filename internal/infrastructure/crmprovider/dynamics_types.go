package crmprovider

import "encoding/json"

// tokenResponse is the OAuth2 token endpoint response
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// odataCollection is one page of an OData collection response
type odataCollection struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
	Count    *int64            `json:"@odata.count"`
}

// odataError is the Web API error envelope
type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// localizedLabel is the metadata label wrapper
type localizedLabel struct {
	UserLocalizedLabel *struct {
		Label string `json:"Label"`
	} `json:"UserLocalizedLabel"`
}

func (l localizedLabel) text() string {
	if l.UserLocalizedLabel == nil {
		return ""
	}
	return l.UserLocalizedLabel.Label
}

// entityDefinition is an EntityDefinitions metadata row
type entityDefinition struct {
	LogicalName          string         `json:"LogicalName"`
	EntitySetName        string         `json:"EntitySetName"`
	PrimaryIDAttribute   string         `json:"PrimaryIdAttribute"`
	PrimaryNameAttribute string         `json:"PrimaryNameAttribute"`
	DisplayName          localizedLabel `json:"DisplayName"`
}

// attributeDefinition is an Attributes metadata row
type attributeDefinition struct {
	LogicalName       string         `json:"LogicalName"`
	AttributeType     string         `json:"AttributeType"`
	IsPrimaryID       bool           `json:"IsPrimaryId"`
	IsValidForCreate  *bool          `json:"IsValidForCreate"`
	IsValidForUpdate  *bool          `json:"IsValidForUpdate"`
	AttributeOf       string         `json:"AttributeOf"`
	DisplayName       localizedLabel `json:"DisplayName"`
	Targets           []string       `json:"Targets"`
	RequiredLevelInfo *struct {
		Value string `json:"Value"`
	} `json:"RequiredLevel"`
}

// relationshipDefinition is a ManyToOneRelationships metadata row
type relationshipDefinition struct {
	SchemaName                              string `json:"SchemaName"`
	ReferencingAttribute                    string `json:"ReferencingAttribute"`
	ReferencedEntity                        string `json:"ReferencedEntity"`
	ReferencingEntityNavigationPropertyName string `json:"ReferencingEntityNavigationPropertyName"`
}

// executionContext is the RemoteExecutionContext posted by a service endpoint
// registered as a webhook
type executionContext struct {
	MessageName        string `json:"MessageName"`
	PrimaryEntityName  string `json:"PrimaryEntityName"`
	PrimaryEntityID    string `json:"PrimaryEntityId"`
	CorrelationID      string `json:"CorrelationId"`
	RequestID          string `json:"RequestId"`
	OperationCreatedOn string `json:"OperationCreatedOn"`
}
