package ocpp

// ConfigurationKey is one entry of the configuration catalog reported to
// GetConfiguration.
type ConfigurationKey struct {
	Key      string `json:"key"`
	Readonly bool   `json:"readonly"`
	Value    string `json:"value"`
}

// baseConfigurationKeys is the fixed catalog shared by both protocol
// versions. It is reference data, not computed state; station-specific
// overrides live in the charger's configuration map.
var baseConfigurationKeys = []ConfigurationKey{
	{Key: "AuthorizationCacheEnabled", Readonly: false, Value: "true"},
	{Key: "AuthorizeRemoteTxRequests", Readonly: false, Value: "false"},
	{Key: "ClockAlignedDataInterval", Readonly: false, Value: "0"},
	{Key: "ConnectionTimeOut", Readonly: false, Value: "60"},
	{Key: "GetConfigurationMaxKeys", Readonly: true, Value: "50"},
	{Key: "HeartbeatInterval", Readonly: false, Value: "300"},
	{Key: "LocalAuthorizeOffline", Readonly: false, Value: "true"},
	{Key: "LocalPreAuthorize", Readonly: false, Value: "true"},
	{Key: "MeterValuesAlignedData", Readonly: false, Value: "Power.Active.Import"},
	{Key: "MeterValuesSampledData", Readonly: false, Value: "Energy.Active.Import.Register"},
	{Key: "MeterValueSampleInterval", Readonly: false, Value: "60"},
	{Key: "NumberOfConnectors", Readonly: true, Value: "1"},
	{Key: "ResetRetries", Readonly: false, Value: "3"},
	{Key: "StopTransactionOnEVSideDisconnect", Readonly: false, Value: "true"},
	{Key: "StopTransactionOnInvalidId", Readonly: false, Value: "true"},
	{Key: "StopTxnAlignedData", Readonly: false, Value: "Energy.Active.Import.Register"},
	{Key: "StopTxnSampledData", Readonly: false, Value: "Energy.Active.Import.Register"},
	{Key: "TransactionMessageAttempts", Readonly: false, Value: "3"},
	{Key: "TransactionMessageRetryInterval", Readonly: false, Value: "60"},
	{Key: "UnlockConnectorOnEVSideDisconnect", Readonly: false, Value: "true"},
	{Key: "WebSocketPingInterval", Readonly: false, Value: "60"},
}

// ConfigurationCatalog returns the version-appropriate catalog. The feature
// profile list is the only entry that differs between versions.
func ConfigurationCatalog(version ProtocolVersion) []ConfigurationKey {
	profiles := "Core,FirmwareManagement,LocalAuthList,SmartCharging"
	if version == ProtocolV201 {
		profiles += ",Reservation"
	}

	catalog := make([]ConfigurationKey, 0, len(baseConfigurationKeys)+1)
	catalog = append(catalog, baseConfigurationKeys...)
	catalog = append(catalog, ConfigurationKey{
		Key:      "SupportedFeatureProfiles",
		Readonly: true,
		Value:    profiles,
	})
	return catalog
}
